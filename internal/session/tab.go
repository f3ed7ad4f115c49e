package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/browsertrace/browsertrace/internal/navigation"
	"github.com/browsertrace/browsertrace/internal/recorder"
	"github.com/browsertrace/browsertrace/pkg/models"
)

// Tab is one page within a session. Every command runs through the session's
// recorder so its start/end rows always land, and through the tab's location
// tracker so wait anchors stay correct.
type Tab struct {
	ID          int64
	MainFrameID int64

	session *Session
	history *navigation.History
	tracker *navigation.LocationTracker
}

// History exposes the tab's navigation history for event ingestion.
func (t *Tab) History() *navigation.History { return t.history }

// Tracker exposes the tab's location tracker.
func (t *Tab) Tracker() *navigation.LocationTracker { return t.tracker }

// URL returns the tab's current navigation URL, empty before any navigation.
func (t *Tab) URL() string {
	if top := t.history.Top(); top != nil {
		return top.URL
	}
	return ""
}

type gotoArgs struct {
	URL       string `json:"url"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type waitForLocationArgs struct {
	Trigger        string `json:"trigger"`
	SinceCommandID *int64 `json:"sinceCommandId,omitempty"`
	Exclusive      bool   `json:"exclusive,omitempty"`
	TimeoutMs      int    `json:"timeoutMs,omitempty"`
}

type waitForLoadArgs struct {
	Status    string `json:"status"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// ExecuteCommand runs one named tab command. Unknown names fail with a
// descriptive error; the failure is recorded like any other command result.
func (t *Tab) ExecuteCommand(ctx context.Context, name string, args json.RawMessage) (interface{}, error) {
	meta := recorder.CommandMeta{
		TabID:   t.ID,
		FrameID: t.MainFrameID,
		Name:    name,
		Args:    string(args),
	}
	return t.session.rec.RunCommand(ctx, meta, func(ctx context.Context, cmd models.Command, previous []models.Command) (interface{}, error) {
		t.tracker.WillRunCommand(cmd, previous)

		switch name {
		case "goto":
			return t.doGoto(ctx, cmd, args)
		case "reload":
			return t.doReload(ctx, cmd, args)
		case "waitForLocation":
			return t.doWaitForLocation(ctx, args)
		case "waitForLoad":
			return t.doWaitForLoad(ctx, args)
		case "waitForReady":
			return nil, t.tracker.WaitForReady(ctx)
		case "waitForResourceId":
			return t.awaitLocationResource(ctx)
		case "getUrl":
			return t.URL(), nil
		case "getResources":
			return t.session.rec.ListResources(t.ID)
		default:
			return nil, fmt.Errorf("unknown tab command %q", name)
		}
	})
}

func (t *Tab) doGoto(ctx context.Context, cmd models.Command, args json.RawMessage) (interface{}, error) {
	var a gotoArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid goto args: %w", err)
	}
	if a.URL == "" {
		return nil, fmt.Errorf("goto requires a url")
	}
	ctx, cancel := withTimeoutMs(ctx, a.TimeoutMs)
	defer cancel()

	// the entry must exist before the driver moves so that network capture
	// can match the main document against the loading URL
	t.history.RecordNavigationRequested(navigation.ReasonGoto, t.MainFrameID, a.URL, cmd.ID)

	if err := t.session.driver.Navigate(ctx, t.ID, a.URL); err != nil {
		t.history.ResourceLoadedForLocation(0, 0, err)
		return nil, fmt.Errorf("navigation to %s failed: %w", a.URL, err)
	}
	return t.awaitLocationResource(ctx)
}

func (t *Tab) doReload(ctx context.Context, cmd models.Command, args json.RawMessage) (interface{}, error) {
	var a gotoArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("invalid reload args: %w", err)
		}
	}
	top := t.history.Top()
	if top == nil {
		return nil, fmt.Errorf("cannot reload a tab that has never navigated")
	}
	ctx, cancel := withTimeoutMs(ctx, a.TimeoutMs)
	defer cancel()

	t.history.RecordNavigationRequested(navigation.ReasonReload, t.MainFrameID, top.URL, cmd.ID)

	if err := t.session.driver.Reload(ctx, t.ID); err != nil {
		t.history.ResourceLoadedForLocation(0, 0, err)
		return nil, fmt.Errorf("reload failed: %w", err)
	}
	return t.awaitLocationResource(ctx)
}

func (t *Tab) doWaitForLocation(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a waitForLocationArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid waitForLocation args: %w", err)
	}
	trigger := navigation.Trigger(a.Trigger)
	if trigger != navigation.TriggerChange && trigger != navigation.TriggerReload {
		return nil, fmt.Errorf("unknown location trigger %q", a.Trigger)
	}
	ctx, cancel := withTimeoutMs(ctx, a.TimeoutMs)
	defer cancel()

	opts := navigation.WaitOptions{SinceCommandID: a.SinceCommandID, Exclusive: a.Exclusive}
	if err := t.tracker.WaitForLocation(ctx, trigger, opts); err != nil {
		return nil, err
	}
	return t.awaitLocationResource(ctx)
}

func (t *Tab) doWaitForLoad(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a waitForLoadArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid waitForLoad args: %w", err)
	}
	status, err := navigation.ParseStatus(a.Status)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeoutMs(ctx, a.TimeoutMs)
	defer cancel()
	return nil, t.tracker.WaitForLoad(ctx, status)
}

// awaitLocationResource waits for the current navigation's main resource and
// returns the standard navigation result payload.
func (t *Tab) awaitLocationResource(ctx context.Context) (interface{}, error) {
	resourceID, err := t.tracker.WaitForLocationResourceID(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"resourceId": resourceID,
		"url":        t.URL(),
	}, nil
}

func withTimeoutMs(ctx context.Context, timeoutMs int) (context.Context, context.CancelFunc) {
	if timeoutMs <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
}
