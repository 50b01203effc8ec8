package main

import "meshcall/cmd/meshcall/cmd"

func main() {
	cmd.Execute()
}
