package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

var iceSchemes = []string{"stun:", "stuns:", "turn:", "turns:"}

// parseICEServersFromValues prefers the JSON list and falls back to the
// convenience variables.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential)
}

// iceServerEntry accepts "urls" as either a string or a list, the way
// browsers do for RTCIceServer.
type iceServerEntry struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential string          `json:"credential,omitempty"`
}

func (e iceServerEntry) urls() ([]string, error) {
	if len(e.URLs) == 0 {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(e.URLs, &single); err == nil {
		return trimAll([]string{single}), nil
	}
	var many []string
	if err := json.Unmarshal(e.URLs, &many); err != nil {
		return nil, fmt.Errorf("urls: expected string or list of strings")
	}
	return trimAll(many), nil
}

// ParseICEServersJSON parses a JSON array of RTCIceServer-shaped objects.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		urls, err := entry.urls()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		server := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(entry.Username),
		}
		if cred := strings.TrimSpace(entry.Credential); cred != "" {
			server.Credential = cred
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds at most one STUN entry and one
// TURN entry from comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stun := splitCommaSeparated(stunURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if turn := splitCommaSeparated(turnURLs); len(turn) > 0 {
		username := strings.TrimSpace(turnUsername)
		credential := strings.TrimSpace(turnCredential)
		if username == "" || credential == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := webrtc.ICEServer{URLs: turn, Username: username, Credential: credential}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return trimAll(strings.Split(value, ","))
}

func trimAll(values []string) []string {
	return lo.Compact(lo.Map(values, func(v string, _ int) string {
		return strings.TrimSpace(v)
	}))
}

func isTURNURL(url string) bool {
	return strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:")
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, url := range server.URLs {
		if strings.TrimSpace(url) == "" {
			return errors.New("urls must not contain empty entries")
		}
		if !lo.SomeBy(iceSchemes, func(scheme string) bool { return strings.HasPrefix(url, scheme) }) {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}

	if !lo.SomeBy(server.URLs, isTURNURL) {
		return nil
	}
	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := server.Credential.(string); strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}
