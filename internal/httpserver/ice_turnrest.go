package httpserver

import (
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
)

// withTURNRESTCredentials returns a copy of servers in which every entry with
// a turn: or turns: URL carries the given credentials.
func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	return lo.Map(servers, func(server webrtc.ICEServer, _ int) webrtc.ICEServer {
		if lo.SomeBy(server.URLs, isTURNURL) {
			server.Username = username
			server.Credential = credential
		}
		return server
	})
}

func isTURNURL(raw string) bool {
	url := strings.ToLower(strings.TrimSpace(raw))
	return strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:")
}
