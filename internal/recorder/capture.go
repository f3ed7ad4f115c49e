package recorder

import (
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/browsertrace/browsertrace/internal/navigation"
	"github.com/browsertrace/browsertrace/pkg/models"
)

// errorLogPattern promotes page console lines that look like failures to
// error severity.
var errorLogPattern = regexp.MustCompile(`(?i)(error|uncaught|unhandled)`)

// CaptureResource converts a raw network event into a persisted Resource.
// When the resource is the main document of the tab's currently-loading
// navigation (and not a CORS preflight), the navigation history is notified
// of load completion — the bridge between network capture and location
// tracking.
func (r *Recorder) CaptureResource(ev models.ResourceEvent, isResponse bool) (*models.Resource, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrSessionClosed
	}
	r.resourceSeq++
	res := models.Resource{
		ID:                  r.resourceSeq,
		TabID:               ev.TabID,
		FrameID:             ev.FrameID,
		URL:                 ev.URL,
		Type:                ev.Type,
		Method:              ev.Method,
		BrowserRequestID:    ev.BrowserRequestID,
		StatusCode:          ev.StatusCode,
		IsRedirect:          ev.IsRedirect,
		RedirectedToURL:     ev.RedirectedToURL,
		RequestHeaders:      flattenHeaders(ev.RequestHeaders),
		ResponseHeaders:     flattenHeaders(ev.ResponseHeaders),
		ReceivedAtCommandID: r.lastCommandID,
		ReceivedAt:          ev.Timestamp,
	}
	if res.ReceivedAt.IsZero() {
		res.ReceivedAt = time.Now()
	}
	r.chains[ev.BrowserRequestID] = append(r.chains[ev.BrowserRequestID], resourceRef{id: res.ID, url: ev.URL})
	history := r.histories[ev.TabID]
	r.mu.Unlock()

	if err := r.db.InsertResource(res, ev.Body); err != nil {
		return nil, err
	}

	if isResponse && history != nil && ev.Method != http.MethodOptions &&
		history.CurrentLoadingURL() == ev.URL {
		history.ResourceLoadedForLocation(res.ID, ev.StatusCode, nil)
	}
	return &res, nil
}

// CaptureResourceError records a failed network request. A failure on the
// currently-loading navigation URL becomes that navigation's error.
func (r *Recorder) CaptureResourceError(ev models.ResourceEvent, loadErr error) (*models.Resource, error) {
	res, err := r.CaptureResource(ev, false)
	if err != nil {
		return nil, err
	}

	if dbErr := r.db.InsertResourceState(res.ID, "error: "+loadErr.Error(), time.Now()); dbErr != nil {
		r.log.Error("failed to record resource error state",
			zap.Int64("resourceId", res.ID), zap.Error(dbErr))
	}

	r.mu.Lock()
	history := r.histories[ev.TabID]
	r.mu.Unlock()
	if history != nil && ev.Method != http.MethodOptions &&
		history.CurrentLoadingURL() == ev.URL {
		history.ResourceLoadedForLocation(0, 0, loadErr)
	}
	return res, nil
}

// CaptureWebsocketMessage persists a websocket frame with a strictly
// increasing per-session message id and fans it out to live listeners. A
// frame for an unregistered request id is logged and dropped.
func (r *Recorder) CaptureWebsocketMessage(ev models.WebsocketMessageEvent) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	chain, ok := r.chains[ev.BrowserRequestID]
	r.mu.Unlock()
	if !ok || len(chain) == 0 {
		r.log.Error("websocket message for unknown browser request",
			zap.String("browserRequestId", ev.BrowserRequestID))
		return ErrUnregisteredResource
	}
	// websocket upgrades can redirect; the chain tail is the live socket
	resourceID := chain[len(chain)-1].id

	r.wsMu.Lock()
	r.wsMessageSeq++
	msg := models.WebsocketMessage{
		ID:         r.wsMessageSeq,
		ResourceID: resourceID,
		Message:    ev.Message,
		FromServer: ev.FromServer,
		Timestamp:  ev.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	r.wsHistory[resourceID] = append(r.wsHistory[resourceID], msg)
	listeners := r.wsListeners[resourceID]
	ids := make([]int64, 0, len(listeners))
	for id := range listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		listeners[id](msg)
	}
	r.wsMu.Unlock()

	if err := r.db.InsertWebsocketMessage(msg); err != nil {
		r.log.Error("failed to persist websocket message",
			zap.Int64("messageId", msg.ID), zap.Error(err))
	}
	return nil
}

// OnWebsocketMessages registers a push listener for a resource id. All
// previously captured messages for that resource are replayed synchronously,
// in capture order, before any later message is delivered. Returns the
// listener id for StopWebsocketMessages.
func (r *Recorder) OnWebsocketMessages(resourceID int64, fn func(models.WebsocketMessage)) int64 {
	r.wsMu.Lock()
	defer r.wsMu.Unlock()
	for _, msg := range r.wsHistory[resourceID] {
		fn(msg)
	}
	r.wsListenerSeq++
	if r.wsListeners[resourceID] == nil {
		r.wsListeners[resourceID] = make(map[int64]func(models.WebsocketMessage))
	}
	r.wsListeners[resourceID][r.wsListenerSeq] = fn
	return r.wsListenerSeq
}

// StopWebsocketMessages unregisters a listener.
func (r *Recorder) StopWebsocketMessages(resourceID, listenerID int64) {
	r.wsMu.Lock()
	defer r.wsMu.Unlock()
	delete(r.wsListeners[resourceID], listenerID)
}

// CaptureFrameCreated persists a newly observed frame.
func (r *Recorder) CaptureFrameCreated(frame models.Frame) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	if frame.CreatedAt.IsZero() {
		frame.CreatedAt = time.Now()
	}
	frame.CreatedAtCommandID = r.lastCommandID
	r.frames[frame.ID] = frame
	r.mu.Unlock()

	return r.db.InsertFrame(frame)
}

// CaptureSubFrameNavigated updates the mutable fields of an existing frame.
// TODO: record sub-frame navigations in the tab's navigation history; today
// only the frame's name and origin are refreshed.
func (r *Recorder) CaptureSubFrameNavigated(frameID int64, name, securityOrigin string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	frame, ok := r.frames[frameID]
	if ok {
		frame.Name = name
		frame.SecurityOrigin = securityOrigin
		r.frames[frameID] = frame
	}
	r.mu.Unlock()
	if !ok {
		r.log.Warn("sub-frame navigation for unknown frame", zap.Int64("frameId", frameID))
		return nil
	}
	return r.db.UpdateFrame(frameID, name, securityOrigin)
}

// CaptureError persists a page-origin error. Capture failures are logged and
// swallowed so they never abort the in-progress browser operation.
func (r *Recorder) CaptureError(tabID, frameID int64, source string, pageErr error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	r.lastErrorAt = now
	r.mu.Unlock()

	entry := models.PageLog{
		TabID:     tabID,
		FrameID:   frameID,
		Source:    source,
		Level:     "error",
		Message:   pageErr.Error(),
		Timestamp: now,
	}
	if err := r.db.InsertPageLog(entry); err != nil {
		r.log.Error("failed to persist page error", zap.Error(err))
	}
}

// CaptureLog persists console output. Lines matching the error pattern are
// surfaced at error severity.
func (r *Recorder) CaptureLog(tabID, frameID int64, source, level, message string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	if errorLogPattern.MatchString(message) && !strings.EqualFold(level, "error") {
		level = "error"
	}
	if strings.EqualFold(level, "error") {
		r.lastErrorAt = now
	}
	r.mu.Unlock()

	entry := models.PageLog{
		TabID:     tabID,
		FrameID:   frameID,
		Source:    source,
		Level:     level,
		Message:   message,
		Timestamp: now,
	}
	if err := r.db.InsertPageLog(entry); err != nil {
		r.log.Error("failed to persist page log", zap.Error(err))
	}
}

// OnPageEvents persists batches of DOM/mouse/focus/scroll events in order.
// A batch whose command id is unknown is attributed to the most recent
// command whose navigation reached HttpResponded, found by scanning the
// tab's navigation history backward.
func (r *Recorder) OnPageEvents(batches []models.PageEventBatch) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	histories := make(map[int64]*navigation.History, len(r.histories))
	for id, h := range r.histories {
		histories[id] = h
	}
	lastCommandID := r.lastCommandID
	r.mu.Unlock()

	for _, batch := range batches {
		commandID := batch.CommandID
		if commandID == models.CommandIDUnknown {
			commandID = lastCommandID
			if h := histories[batch.TabID]; h != nil {
				if id, ok := h.LastCommandIDAtStatus(navigation.HttpResponded); ok {
					commandID = id
				}
			}
		}
		for _, change := range batch.DomChanges {
			if err := r.db.InsertDomChange(batch.TabID, commandID, change); err != nil {
				return err
			}
		}
		for _, ev := range batch.MouseEvents {
			if err := r.db.InsertMouseEvent(batch.TabID, commandID, ev); err != nil {
				return err
			}
		}
		for _, ev := range batch.FocusEvents {
			if err := r.db.InsertFocusEvent(batch.TabID, commandID, ev); err != nil {
				return err
			}
		}
		for _, ev := range batch.ScrollEvents {
			if err := r.db.InsertScrollEvent(batch.TabID, commandID, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// CaptureDevtoolsMessage persists one raw protocol message exchanged with
// the engine. Failures are logged and swallowed; raw message capture is never
// worth aborting the command that produced it.
func (r *Recorder) CaptureDevtoolsMessage(direction, message string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	r.mu.Unlock()
	if err := r.db.InsertDevtoolsMessage(direction, message, time.Now()); err != nil {
		r.log.Error("failed to persist devtools message", zap.Error(err))
	}
	return nil
}

// CaptureSessionLog persists a session-level log line.
func (r *Recorder) CaptureSessionLog(level, message string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	r.mu.Unlock()
	return r.db.InsertSessionLog(level, message, time.Now())
}

// CaptureSocket records a socket the engine opened.
func (r *Recorder) CaptureSocket(id int64, remoteAddr, localAddr string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	r.mu.Unlock()
	return r.db.InsertSocket(id, remoteAddr, localAddr, time.Now())
}

// ListResources reads back every resource captured for a tab.
func (r *Recorder) ListResources(tabID int64) ([]models.Resource, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrSessionClosed
	}
	r.mu.Unlock()
	return r.db.ListResources(tabID)
}

// ResourceIDForBrowserRequest resolves a low-level request id to the final
// resource in its redirect chain.
func (r *Recorder) ResourceIDForBrowserRequest(browserRequestID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain, ok := r.chains[browserRequestID]
	if !ok || len(chain) == 0 {
		return 0, false
	}
	return chain[len(chain)-1].id, true
}

func flattenHeaders(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headers[k])
		b.WriteString("\n")
	}
	return b.String()
}
