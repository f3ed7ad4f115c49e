package models

import "time"

// DomChange is one DOM mutation observed on a page
type DomChange struct {
	FrameID   int64     `json:"frameId"`
	Action    string    `json:"action"`
	NodeID    int64     `json:"nodeId"`
	NodeData  string    `json:"nodeData,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MouseEvent is one mouse movement/click observed on a page
type MouseEvent struct {
	FrameID   int64     `json:"frameId"`
	Event     string    `json:"event"`
	PageX     int       `json:"pageX"`
	PageY     int       `json:"pageY"`
	Buttons   int       `json:"buttons"`
	Timestamp time.Time `json:"timestamp"`
}

// FocusEvent is one focus/blur observed on a page
type FocusEvent struct {
	FrameID   int64     `json:"frameId"`
	Event     string    `json:"event"`
	NodeID    int64     `json:"nodeId"`
	Timestamp time.Time `json:"timestamp"`
}

// ScrollEvent is one scroll position change observed on a page
type ScrollEvent struct {
	FrameID   int64     `json:"frameId"`
	ScrollX   int       `json:"scrollX"`
	ScrollY   int       `json:"scrollY"`
	Timestamp time.Time `json:"timestamp"`
}

// PageEventBatch groups page events captured together. CommandID may be
// CommandIDUnknown, in which case the recorder resolves it from the tab's
// navigation history before persisting.
type PageEventBatch struct {
	TabID        int64         `json:"tabId"`
	CommandID    int64         `json:"commandId"`
	DomChanges   []DomChange   `json:"domChanges,omitempty"`
	MouseEvents  []MouseEvent  `json:"mouseEvents,omitempty"`
	FocusEvents  []FocusEvent  `json:"focusEvents,omitempty"`
	ScrollEvents []ScrollEvent `json:"scrollEvents,omitempty"`
}
