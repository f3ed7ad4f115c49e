// Package navigation tracks per-tab page-load pipelines: an append-only
// history of navigation attempts and a tracker that lets callers suspend
// until the pipeline reaches a status or a navigation trigger occurs.
package navigation

import "fmt"

// PipelineStatus is one of the ordered page-load lifecycle stages.
type PipelineStatus int

const (
	NavigationRequested PipelineStatus = iota
	HttpRequested
	HttpRedirected
	HttpResponded
	DomContentLoaded
	AllContentLoaded
)

// statusOrder is the fixed pipeline transition table. A navigation entry only
// ever moves forward through it.
var statusOrder = [...]PipelineStatus{
	NavigationRequested,
	HttpRequested,
	HttpRedirected,
	HttpResponded,
	DomContentLoaded,
	AllContentLoaded,
}

var statusNames = map[PipelineStatus]string{
	NavigationRequested: "NavigationRequested",
	HttpRequested:       "HttpRequested",
	HttpRedirected:      "HttpRedirected",
	HttpResponded:       "HttpResponded",
	DomContentLoaded:    "DomContentLoaded",
	AllContentLoaded:    "AllContentLoaded",
}

func (s PipelineStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("PipelineStatus(%d)", int(s))
}

// ParseStatus maps a wire-level status name to its PipelineStatus.
func ParseStatus(name string) (PipelineStatus, error) {
	for status, n := range statusNames {
		if n == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown pipeline status %q", name)
}

// Reason is why a navigation occurred.
type Reason string

const (
	ReasonGoto              Reason = "goto"
	ReasonReload            Reason = "reload"
	ReasonHttpHeaderRefresh Reason = "httpHeaderRefresh"
	ReasonMetaTagRefresh    Reason = "metaTagRefresh"
	ReasonUserGesture       Reason = "userGesture"
	ReasonScript            Reason = "scriptTrigger"
	ReasonAnchorClick       Reason = "anchorClick"
	ReasonFormSubmission    Reason = "formSubmission"
	ReasonNewTab            Reason = "newTab"
)

// Trigger is the coarse classification of a navigation: a reload-family
// refresh or a location change.
type Trigger string

const (
	TriggerReload Trigger = "reload"
	TriggerChange Trigger = "change"
)

// TriggerForReason classifies a navigation reason. A fresh tab's first
// navigation triggers neither class.
func TriggerForReason(reason Reason) (Trigger, bool) {
	switch reason {
	case ReasonReload, ReasonHttpHeaderRefresh, ReasonMetaTagRefresh:
		return TriggerReload, true
	case ReasonNewTab:
		return "", false
	default:
		return TriggerChange, true
	}
}
