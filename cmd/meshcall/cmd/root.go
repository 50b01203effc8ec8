package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meshcall",
	Short: "Mesh video call client: join a room and connect to every participant",
	Long: `meshcall is a command-line participant for mesh video calls. It connects
to a signaling relay, negotiates a direct WebRTC connection with every other
participant in the room, and keeps the mesh in sync as people come and go.`,
}

// Execute runs the root command. Called once from main.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
