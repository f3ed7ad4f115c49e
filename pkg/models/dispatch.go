package models

import "encoding/json"

// CommandRequest is one inbound command on the dispatch channel
type CommandRequest struct {
	MessageID string          `json:"messageId"`
	Command   string          `json:"command"`
	SessionID string          `json:"sessionId,omitempty"`
	TabID     int64           `json:"tabId,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// CommandResponse is the reply to a CommandRequest. On failure Data holds an
// ErrorPayload and IsError is set; the channel itself stays alive.
type CommandResponse struct {
	ResponseID string      `json:"responseId"`
	CommandID  int64       `json:"commandId,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	IsError    bool        `json:"isError"`
}

// ErrorPayload is a machine-readable dispatch failure
type ErrorPayload struct {
	Message string                 `json:"message"`
	Stack   string                 `json:"stack,omitempty"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}
