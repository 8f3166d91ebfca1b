package cdpcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// rawCDP speaks CDP over one browser-level WebSocket with flattened
// sessions. It deliberately skips auto-attach and domain enabling so that
// attaching to a logged-in portal tab leaves the page undisturbed.
type rawCDP struct {
	httpBase string // e.g. "http://127.0.0.1:9220"

	mu   sync.Mutex
	conn net.Conn
	seq  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan json.RawMessage
}

type cdpError struct {
	Message string `json:"message"`
}

func newRawCDP(httpBase string) *rawCDP {
	return &rawCDP{
		httpBase: strings.TrimRight(httpBase, "/"),
		pending:  make(map[int64]chan json.RawMessage),
	}
}

func (r *rawCDP) connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}

	wsURL, err := r.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("rawcdp: browser ws url: %w", err)
	}

	slog.Debug("rawcdp dial", "ws_url", wsURL)
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("rawcdp: dial: %w", err)
	}
	r.conn = conn
	r.pending = make(map[int64]chan json.RawMessage)
	go r.readLoop(conn)
	return nil
}

func (r *rawCDP) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

// readLoop routes command responses to their waiters until conn fails.
// Events are not subscribed to and are dropped.
func (r *rawCDP) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("rawcdp read loop exit", "error", err)
			r.failPending()
			return
		}

		var msg struct {
			ID int64 `json:"id"`
		}
		if json.Unmarshal(data, &msg) != nil || msg.ID == 0 {
			continue
		}
		r.pendingMu.Lock()
		ch, ok := r.pending[msg.ID]
		delete(r.pending, msg.ID)
		r.pendingMu.Unlock()
		if ok {
			ch <- json.RawMessage(data)
		}
	}
}

func (r *rawCDP) failPending() {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

func (r *rawCDP) dropPending(id int64) {
	r.pendingMu.Lock()
	delete(r.pending, id)
	r.pendingMu.Unlock()
}

// roundTrip writes one command frame and blocks until its response arrives
// or ctx ends.
func (r *rawCDP) roundTrip(ctx context.Context, id int64, frame any) (json.RawMessage, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("rawcdp: not connected")
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("rawcdp: marshal: %w", err)
	}

	ch := make(chan json.RawMessage, 1)
	r.pendingMu.Lock()
	r.pending[id] = ch
	r.pendingMu.Unlock()

	r.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	r.mu.Unlock()
	if err != nil {
		r.dropPending(id)
		return nil, fmt.Errorf("rawcdp: send: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("rawcdp: connection closed")
		}
		return resp, nil
	case <-ctx.Done():
		r.dropPending(id)
		return nil, ctx.Err()
	}
}

// call runs method on the browser session, or on sessionID when set, and
// returns the unwrapped result object.
func (r *rawCDP) call(ctx context.Context, sessionID target.SessionID, method string, params any) (json.RawMessage, error) {
	id := r.seq.Add(1)
	frame := struct {
		ID        int64            `json:"id"`
		Method    string           `json:"method"`
		SessionID target.SessionID `json:"sessionId,omitempty"`
		Params    any              `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params}

	raw, err := r.roundTrip(ctx, id, frame)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *cdpError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("rawcdp: %s: decode: %w", method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("rawcdp: %s: %s", method, resp.Error.Message)
	}
	return resp.Result, nil
}

func (r *rawCDP) attachToTarget(ctx context.Context, targetID target.ID) (target.SessionID, error) {
	raw, err := r.call(ctx, "", target.CommandAttachToTarget, target.AttachToTarget(targetID).WithFlatten(true))
	if err != nil {
		return "", err
	}
	var out target.AttachToTargetReturns
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("rawcdp: decode attach: %w", err)
	}
	return out.SessionID, nil
}

func (r *rawCDP) detachFromTarget(ctx context.Context, sessionID target.SessionID) error {
	_, err := r.call(ctx, "", target.CommandDetachFromTarget, target.DetachFromTarget().WithSessionID(sessionID))
	return err
}

// createTarget opens url in a new tab. A background tab does not take
// focus from the tab in front.
func (r *rawCDP) createTarget(ctx context.Context, url string, background bool) (target.ID, error) {
	raw, err := r.call(ctx, "", target.CommandCreateTarget, target.CreateTarget(url).WithBackground(background))
	if err != nil {
		return "", err
	}
	var out target.CreateTargetReturns
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("rawcdp: decode createTarget: %w", err)
	}
	return out.TargetID, nil
}

// evaluate runs js in the session and returns its string result. The
// expression is expected to produce a JSON string.
func (r *rawCDP) evaluate(ctx context.Context, sessionID target.SessionID, js string) (string, error) {
	params := runtime.Evaluate(js).WithReturnByValue(true).WithAwaitPromise(true)
	raw, err := r.call(ctx, sessionID, runtime.CommandEvaluate, params)
	if err != nil {
		return "", err
	}

	// The remote object value is decoded by hand; it is arbitrary JSON.
	var resp struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("rawcdp: decode eval: %w", err)
	}
	if resp.ExceptionDetails != nil {
		return "", fmt.Errorf("rawcdp: eval exception: %s", resp.ExceptionDetails.Text)
	}

	var str string
	if err := json.Unmarshal(resp.Result.Value, &str); err != nil {
		return string(resp.Result.Value), nil
	}
	return str, nil
}

// dispatchMouseClick presses and releases the left button at (x, y). The
// resulting events are trusted, unlike element.click().
func (r *rawCDP) dispatchMouseClick(ctx context.Context, sessionID target.SessionID, x, y float64) error {
	for _, typ := range []input.MouseType{input.MousePressed, input.MouseReleased} {
		evt := input.DispatchMouseEvent(typ, x, y).WithButton(input.Left).WithClickCount(1)
		if _, err := r.call(ctx, sessionID, input.CommandDispatchMouseEvent, evt); err != nil {
			return fmt.Errorf("rawcdp: %s: %w", typ, err)
		}
	}
	return nil
}

// listTargets reads the browser's target list from /json/list. Entries keep
// the browser's order, most recently focused first.
func (r *rawCDP) listTargets(ctx context.Context) ([]*target.Info, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	body, err := r.getJSON(listCtx, "/json/list")
	if err != nil {
		return nil, err
	}

	var entries []struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}

	out := make([]*target.Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, &target.Info{
			TargetID: target.ID(e.ID),
			Type:     e.Type,
			Title:    e.Title,
			URL:      e.URL,
		})
	}
	return out, nil
}

func (r *rawCDP) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := r.getJSON(ctx, "/json/version")
	if err != nil {
		return "", err
	}
	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}

func (r *rawCDP) getJSON(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.httpBase+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rawcdp: %s: HTTP %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
