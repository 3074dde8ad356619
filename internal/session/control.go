package session

import (
	"encoding/json"
	"fmt"

	"github.com/invorto-ai/invorto/internal/config"
)

// Control message types accepted from the client.
const (
	ControlStart      = "start"
	ControlPause      = "pause"
	ControlResume     = "resume"
	ControlEnd        = "end"
	ControlDTMF       = "dtmf.send"
	ControlTransfer   = "transfer"
	ControlConfig     = "config"
	ControlToolResult = "tool.result"
)

// Control is one decoded client control message.
type Control struct {
	// Type discriminates the message.
	Type string `json:"t"`

	// Digits carries the DTMF digits of a dtmf.send.
	Digits string `json:"digits,omitempty"`

	// Target is the destination of a transfer.
	Target string `json:"target,omitempty"`

	// PayloadMode switches the tts.chunk framing in a config message.
	PayloadMode config.PayloadMode `json:"payloadMode,omitempty"`

	// ToolCallID and Result resolve a human-assisted tool.result.
	ToolCallID string `json:"toolCallId,omitempty"`
	Result     string `json:"result,omitempty"`
}

// ParseControl decodes and validates one control message. Unknown types and
// malformed JSON are bad requests.
func ParseControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("session: malformed control message: %w", err)
	}
	switch c.Type {
	case ControlStart, ControlPause, ControlResume, ControlEnd,
		ControlDTMF, ControlTransfer, ControlToolResult:
		return c, nil
	case ControlConfig:
		if c.PayloadMode != "" && !c.PayloadMode.IsValid() {
			return Control{}, fmt.Errorf("session: unknown payload mode %q", c.PayloadMode)
		}
		return c, nil
	default:
		return Control{}, fmt.Errorf("session: unknown control type %q", c.Type)
	}
}
