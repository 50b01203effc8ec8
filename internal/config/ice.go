package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "MESHCALL_ICE_SERVERS_JSON"

	envSTUNURLs       = "MESHCALL_STUN_URLS"
	envTURNURLs       = "MESHCALL_TURN_URLS"
	envTURNUsername   = "MESHCALL_TURN_USERNAME"
	envTURNCredential = "MESHCALL_TURN_CREDENTIAL"
)

// ICEServersFromEnv resolves the ICE server list. A full JSON spec wins over
// the convenience STUN/TURN variables; with nothing set, a single public
// STUN server is used.
func ICEServersFromEnv(lookup func(string) (string, bool)) ([]webrtc.ICEServer, error) {
	if raw, ok := lookup(envICEServersJSON); ok && strings.TrimSpace(raw) != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var stun, turn, turnUser, turnCred string
	if v, ok := lookup(envSTUNURLs); ok {
		stun = v
	}
	if v, ok := lookup(envTURNURLs); ok {
		turn = v
	}
	if v, ok := lookup(envTURNUsername); ok {
		turnUser = v
	}
	if v, ok := lookup(envTURNCredential); ok {
		turnCred = v
	}

	return iceServersFromConvenience(stun, turn, turnUser, turnCred)
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a JSON array of ICE server specs in the shape
// browsers accept: [{"urls": ..., "username": ..., "credential": ...}].
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, url := range server.URLs {
			if url = strings.TrimSpace(url); url != "" {
				urls = append(urls, url)
			}
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("ice server %d has no urls", i)
		}

		entry := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		}
		if cred := strings.TrimSpace(server.Credential); cred != "" {
			entry.Credential = cred
		}
		out = append(out, entry)
	}
	return out, nil
}

func iceServersFromConvenience(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var out []webrtc.ICEServer

	stun := splitNonEmpty(stunURLs)
	if len(stun) == 0 && strings.TrimSpace(turnURLs) == "" {
		stun = []string{DefaultSTUNURL}
	}
	if len(stun) > 0 {
		out = append(out, webrtc.ICEServer{URLs: stun})
	}

	if turn := splitNonEmpty(turnURLs); len(turn) > 0 {
		if strings.TrimSpace(turnUsername) == "" || strings.TrimSpace(turnCredential) == "" {
			return nil, fmt.Errorf("turn urls configured without %s/%s", envTURNUsername, envTURNCredential)
		}
		out = append(out, webrtc.ICEServer{
			URLs:       turn,
			Username:   strings.TrimSpace(turnUsername),
			Credential: strings.TrimSpace(turnCredential),
		})
	}

	return out, nil
}
