package models

import "time"

// Frame is one page frame observed during a session
type Frame struct {
	ID                 int64     `json:"id"`
	TabID              int64     `json:"tabId"`
	ParentID           int64     `json:"parentId,omitempty"`
	Name               string    `json:"name,omitempty"`
	SecurityOrigin     string    `json:"securityOrigin,omitempty"`
	URL                string    `json:"url,omitempty"`
	CreatedAtCommandID int64     `json:"createdAtCommandId"`
	CreatedAt          time.Time `json:"createdAt"`
}

// PageLog is a console line or page error captured from the browser
type PageLog struct {
	TabID     int64     `json:"tabId"`
	FrameID   int64     `json:"frameId"`
	Source    string    `json:"source"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
