package session

import (
	"encoding/json"

	"github.com/MrWong99/tonecoach/internal/relay"
)

// Client message types.
const (
	typeStartEvaluation = "start-evaluation"
	typeStopEvaluation  = "stop-evaluation"
)

// Server message types.
const (
	typeStatus = "status"
	typeResult = "result"
	typeError  = "error"
)

// defaultLanguage is used when start-evaluation omits the language.
const defaultLanguage = "cn_vip"

// clientMessage is a text frame sent by the browser. Audio travels as binary
// frames and never passes through this type.
type clientMessage struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
	Text     string `json:"text,omitempty"`
}

// statusMessage carries status and error events.
type statusMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// resultMessage carries one upstream scoring result.
type resultMessage struct {
	Type   string          `json:"type"`
	Status int             `json:"status"`
	XML    string          `json:"xml"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// toWire converts a relay event into the JSON value sent to the client.
func toWire(ev relay.Event) any {
	switch ev.Kind {
	case relay.EventResult:
		msg := resultMessage{Type: typeResult, Status: ev.Status, XML: ev.XML}
		if len(ev.Raw) > 0 && json.Valid(ev.Raw) {
			msg.Raw = json.RawMessage(ev.Raw)
		}
		return msg
	case relay.EventError:
		return statusMessage{Type: typeError, Message: ev.Message}
	default:
		return statusMessage{Type: typeStatus, Message: ev.Message}
	}
}
