package coordinator

import (
	"encoding/json"
	"strings"

	"github.com/praveenreddy854/web-rtc-demo/internal/credential"
)

// Chat roles reported to the Observer.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type eventKind int

const (
	evEnable eventKind = iota
	evManualStart
	evManualEnd
	evSend
	evWakeCredential
	evWakeMatch
	evWakeError
	evWakeRetry
	evNegotiated
	evStopCredential
	evStopMatch
	evStopError
	evChannelOpen
	evMessage
	evRemoteClosed
	evTimeout
)

// event is one input to the loop. gen is the wake or session generation the
// producer was started under.
type event struct {
	kind    eventKind
	gen     uint64
	cred    credential.Credential
	err     error
	session Session
	text    string
	reply   chan error
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type clientEvent struct {
	Type string            `json:"type"`
	Item *conversationItem `json:"item,omitempty"`
}

// userMessageEvents builds the realtime events that add a user message to
// the conversation and ask for a response.
func userMessageEvents(text string) ([]string, error) {
	item, err := json.Marshal(clientEvent{
		Type: "conversation.item.create",
		Item: &conversationItem{
			Type:    "message",
			Role:    RoleUser,
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	})
	if err != nil {
		return nil, err
	}
	create, err := json.Marshal(clientEvent{Type: "response.create"})
	if err != nil {
		return nil, err
	}
	return []string{string(item), string(create)}, nil
}

type serverEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
}

// assistantText extracts displayable text from a data channel message.
// Realtime events without text report ok=false with their type; anything
// that is not a JSON event is shown as is.
func assistantText(raw string) (text, kind string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	var ev serverEvent
	if !strings.HasPrefix(trimmed, "{") || json.Unmarshal([]byte(trimmed), &ev) != nil || ev.Type == "" {
		return raw, "", trimmed != ""
	}
	switch ev.Type {
	case "response.text.done":
		return ev.Text, ev.Type, ev.Text != ""
	case "response.audio_transcript.done":
		return ev.Transcript, ev.Type, ev.Transcript != ""
	default:
		return "", ev.Type, false
	}
}
