package models

import "time"

// Resource is one captured network request/response pair
type Resource struct {
	ID                  int64     `json:"id"`
	TabID               int64     `json:"tabId"`
	FrameID             int64     `json:"frameId"`
	URL                 string    `json:"url"`
	Type                string    `json:"type"`
	Method              string    `json:"method"`
	BrowserRequestID    string    `json:"browserRequestId"`
	StatusCode          int       `json:"statusCode,omitempty"`
	IsRedirect          bool      `json:"isRedirect"`
	RedirectedToURL     string    `json:"redirectedToUrl,omitempty"`
	RequestHeaders      string    `json:"requestHeaders,omitempty"`
	ResponseHeaders     string    `json:"responseHeaders,omitempty"`
	ReceivedAtCommandID int64     `json:"receivedAtCommandId"`
	ReceivedAt          time.Time `json:"receivedAt"`
}

// ResourceEvent is a raw network event emitted by the browser driver
type ResourceEvent struct {
	BrowserRequestID string            `json:"browserRequestId"`
	TabID            int64             `json:"tabId"`
	FrameID          int64             `json:"frameId"`
	URL              string            `json:"url"`
	Method           string            `json:"method"`
	Type             string            `json:"type"`
	StatusCode       int               `json:"statusCode,omitempty"`
	IsRedirect       bool              `json:"isRedirect"`
	RedirectedToURL  string            `json:"redirectedToUrl,omitempty"`
	RequestHeaders   map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders  map[string]string `json:"responseHeaders,omitempty"`
	Body             []byte            `json:"-"`
	Timestamp        time.Time         `json:"timestamp"`
}

// WebsocketMessage is one captured websocket frame, ordered per session
type WebsocketMessage struct {
	ID         int64     `json:"id"`
	ResourceID int64     `json:"resourceId"`
	Message    []byte    `json:"message"`
	FromServer bool      `json:"fromServer"`
	Timestamp  time.Time `json:"timestamp"`
}

// WebsocketMessageEvent is a raw websocket frame from the browser driver,
// identified only by its low-level request id
type WebsocketMessageEvent struct {
	BrowserRequestID string    `json:"browserRequestId"`
	Message          []byte    `json:"message"`
	FromServer       bool      `json:"fromServer"`
	Timestamp        time.Time `json:"timestamp"`
}
