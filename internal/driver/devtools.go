// Package driver speaks the devtools protocol to a running browser engine
// over its websocket endpoint. It covers exactly what sessions need: opening
// page targets and driving their navigation. Page events keep flowing through
// the capture pipeline; this driver only issues commands.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    interface{}     `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *cdpError       `json:"error,omitempty"`
}

// MessageLog receives every raw protocol message for durable capture.
type MessageLog interface {
	CaptureDevtoolsMessage(direction, message string) error
	CaptureSocket(id int64, remoteAddr, localAddr string) error
}

// Devtools is one engine connection shared by all of a session's tabs.
type Devtools struct {
	log    *zap.Logger
	conn   *websocket.Conn
	msgLog MessageLog

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan message
	sessions map[int64]string // tab id -> devtools session id
	closed   bool
}

// New dials the engine's devtools endpoint. msgLog may be nil to skip raw
// message capture.
func New(connectURL string, msgLog MessageLog, log *zap.Logger) (*Devtools, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, connectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial devtools endpoint: %w", err)
	}

	d := &Devtools{
		log:      log,
		conn:     conn,
		msgLog:   msgLog,
		pending:  make(map[int64]chan message),
		sessions: make(map[int64]string),
	}
	if msgLog != nil {
		msgLog.CaptureSocket(1, conn.RemoteAddr().String(), conn.LocalAddr().String())
	}
	go d.readLoop()
	return d, nil
}

func (d *Devtools) readLoop() {
	for {
		_, raw, err := d.conn.ReadMessage()
		if err != nil {
			d.failPending(err)
			return
		}
		if d.msgLog != nil {
			d.msgLog.CaptureDevtoolsMessage("receive", string(raw))
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			d.log.Debug("unparseable devtools message", zap.Error(err))
			continue
		}
		if msg.ID == 0 {
			// protocol event, captured elsewhere
			continue
		}
		d.mu.Lock()
		ch, ok := d.pending[msg.ID]
		delete(d.pending, msg.ID)
		d.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (d *Devtools) failPending(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[int64]chan message)
	closed := d.closed
	d.mu.Unlock()

	if !closed {
		d.log.Debug("devtools connection lost", zap.Error(err))
	}
	for _, ch := range pending {
		close(ch)
	}
}

func (d *Devtools) call(ctx context.Context, sessionID, method string, params interface{}) (json.RawMessage, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("devtools connection closed")
	}
	d.nextID++
	id := d.nextID
	ch := make(chan message, 1)
	d.pending[id] = ch
	d.mu.Unlock()

	req := message{ID: id, Method: method, Params: params, SessionID: sessionID}
	raw, err := json.Marshal(req)
	if err != nil {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return nil, fmt.Errorf("%s marshal failed: %w", method, err)
	}
	d.writeMu.Lock()
	err = d.conn.WriteMessage(websocket.TextMessage, raw)
	d.writeMu.Unlock()
	if d.msgLog != nil {
		d.msgLog.CaptureDevtoolsMessage("send", string(raw))
	}
	if err != nil {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return nil, fmt.Errorf("%s write failed: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("devtools connection closed during %s", method)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s failed: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return nil, ctx.Err()
	}
}

// ensureTab lazily creates and attaches a page target for a tab.
func (d *Devtools) ensureTab(ctx context.Context, tabID int64) (string, error) {
	d.mu.Lock()
	if sessionID, ok := d.sessions[tabID]; ok {
		d.mu.Unlock()
		return sessionID, nil
	}
	d.mu.Unlock()

	result, err := d.call(ctx, "", "Target.createTarget",
		map[string]interface{}{"url": "about:blank"})
	if err != nil {
		return "", err
	}
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(result, &created); err != nil {
		return "", fmt.Errorf("unexpected createTarget result: %w", err)
	}

	result, err = d.call(ctx, "", "Target.attachToTarget",
		map[string]interface{}{"targetId": created.TargetID, "flatten": true})
	if err != nil {
		return "", err
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &attached); err != nil {
		return "", fmt.Errorf("unexpected attachToTarget result: %w", err)
	}

	d.mu.Lock()
	d.sessions[tabID] = attached.SessionID
	d.mu.Unlock()
	return attached.SessionID, nil
}

// Navigate points a tab at a URL, creating its page target on first use.
func (d *Devtools) Navigate(ctx context.Context, tabID int64, url string) error {
	sessionID, err := d.ensureTab(ctx, tabID)
	if err != nil {
		return err
	}
	_, err = d.call(ctx, sessionID, "Page.navigate", map[string]interface{}{"url": url})
	return err
}

// Reload re-navigates a tab to its current URL.
func (d *Devtools) Reload(ctx context.Context, tabID int64) error {
	d.mu.Lock()
	sessionID, ok := d.sessions[tabID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("tab %d has no page target to reload", tabID)
	}
	_, err := d.call(ctx, sessionID, "Page.reload", map[string]interface{}{})
	return err
}

// Close tears down the engine connection.
func (d *Devtools) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return d.conn.Close()
}
