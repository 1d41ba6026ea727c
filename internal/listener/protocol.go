package listener

import (
	"encoding/json"
	"fmt"

	"github.com/hallveticapro/live-translation/pkg/types"
)

// Event names carried in [Envelope.Event].
const (
	// EventSelectLanguage is sent by a listener. Data is a language code string.
	EventSelectLanguage = "selectLanguage"

	// EventCaption is pushed to listeners. Data is a [types.Caption].
	EventCaption = "caption"

	// EventPublishCaption is sent by a publisher in direct mode. Data is a
	// [types.Caption]; id, lang and timestamp are optional.
	EventPublishCaption = "publishCaption"

	// EventError is pushed when a client message could not be honoured. Data
	// is a message string.
	EventError = "error"
)

// Envelope is one JSON text frame on the channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("listener: encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func decodeCaption(raw json.RawMessage) (types.Caption, error) {
	var c types.Caption
	if err := json.Unmarshal(raw, &c); err != nil {
		return types.Caption{}, fmt.Errorf("listener: decode caption: %w", err)
	}
	return c, nil
}
