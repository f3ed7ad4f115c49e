package models

import "time"

// CommandIDUnknown marks a page event whose owning command was not known at
// capture time and must be resolved against the tab's navigation history.
const CommandIDUnknown int64 = -1

// Command is one recorded session command. It is written twice: once at issue
// and once at completion (the end fields filled in by the same primary key).
type Command struct {
	ID         int64      `json:"id"`
	TabID      int64      `json:"tabId"`
	FrameID    int64      `json:"frameId"`
	Name       string     `json:"name"`
	Args       string     `json:"args,omitempty"`
	StartDate  time.Time  `json:"startDate"`
	EndDate    *time.Time `json:"endDate,omitempty"`
	Result     string     `json:"result,omitempty"`
	ResultType string     `json:"resultType,omitempty"`
}
