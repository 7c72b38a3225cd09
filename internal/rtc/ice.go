package rtc

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// ParseICEServers decodes a JSON list of ICE servers, falling back to
// Google's public STUN server when the input is empty or invalid.
func ParseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
