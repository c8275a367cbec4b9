package schema

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Control actions accepted on a venue's control channel.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ControlCommand is a subscription command received on <venue>:control.
// RequestID is kept as raw JSON because callers send either a string or an
// integer; it is echoed into the venue frame for correlation.
type ControlCommand struct {
	Action     string          `json:"action"`
	Symbols    []string        `json:"symbols"`
	StreamType string          `json:"streamType"`
	MarketType string          `json:"marketType"`
	RequestID  json.RawMessage `json:"requestId,omitempty"`
}

// DecodeControlCommand parses a control-channel payload.
func DecodeControlCommand(data []byte) (ControlCommand, error) {
	var cmd ControlCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return ControlCommand{}, fmt.Errorf("control command decode failed: %w", err)
	}
	return cmd, nil
}
