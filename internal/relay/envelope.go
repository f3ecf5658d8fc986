// Package relay moves settings toward page contexts and captured exchanges away from them.
// A Hub owns the capture and settings stores; an Agent runs next to each page's interceptor and
// talks to the hub over a Channel.
package relay

import (
	"errors"

	"github.com/yourorg/reqsniffer/pkg/types"
)

// Action discriminates envelopes.
type Action string

const (
	ActionUpdateSettings  Action = "updateSettings"
	ActionSettingsChanged Action = "settingsChanged"
	ActionLogRequest      Action = "logRequest"
	ActionGetRequests     Action = "getRequests"
	ActionClearRequests   Action = "clearRequests"
	ActionGetSettings     Action = "getSettings"
)

var (
	// ErrDelivery marks an envelope that did not reach the other side.
	ErrDelivery = errors.New("relay delivery failed")
	// ErrQueueFull marks an exchange dropped because the agent's emit queue was full.
	ErrQueueFull = errors.New("relay queue full")
	// ErrClosed is returned by channels and agents after Close.
	ErrClosed = errors.New("relay closed")
	// ErrRejected wraps an error reply from the hub.
	ErrRejected = errors.New("relay request rejected")

	ErrUnknownAction = errors.New("unknown action")
	ErrBadEnvelope   = errors.New("malformed envelope")
)

// Sender identifies the page context an envelope came from.
type Sender struct {
	TabID string `json:"tabId,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Envelope is one message on the relay.
type Envelope struct {
	Action   Action                  `json:"action"`
	Sender   *Sender                 `json:"sender,omitempty"`
	Settings *types.Settings         `json:"settings,omitempty"`
	Exchange *types.CapturedExchange `json:"data,omitempty"`
}

// Reply answers an Envelope.
type Reply struct {
	OK       bool                     `json:"ok"`
	Error    string                   `json:"error,omitempty"`
	Settings *types.Settings          `json:"settings,omitempty"`
	Requests []types.CapturedExchange `json:"requests,omitempty"`
}

func errorReply(err error) Reply {
	return Reply{OK: false, Error: err.Error()}
}

// SettingsChanged builds the push envelope for s.
func SettingsChanged(s types.Settings) Envelope {
	return Envelope{Action: ActionSettingsChanged, Settings: &s}
}
