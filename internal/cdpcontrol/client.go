package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/billfetch/internal/page"
)

// transientHints are substrings in error causes that indicate a transient
// failure worth retrying (e.g. broken connection, closed session).
var transientHints = []string{
	"context canceled",
	"target closed",
	"session closed",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
	"execution context was destroyed",
	"cannot find context",
}

type tabSession struct {
	info      TabInfo
	mu        sync.Mutex
	sessionID target.SessionID // flat session from Target.attachToTarget
}

// Client drives portal tabs in an already running Chromium. Tabs are keyed
// by CDP target ID.
type Client struct {
	cdpURL      string
	tabFilter   string
	evalTimeout time.Duration

	mu    sync.Mutex
	cdp   *rawCDP
	tabs  map[target.ID]*tabSession
	order []target.ID
	// opened holds tabs created by OpenBackgroundTab. They are skipped when
	// resolving ActiveTab.
	opened map[target.ID]bool

	tabLocksMu sync.Mutex
	tabLocks   map[target.ID]*sync.Mutex
}

type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// NewClient returns an unconnected client. tabFilter is a case-insensitive
// URL substring; empty accepts every page.
func NewClient(cdpURL, tabFilter string, evalTimeout time.Duration) *Client {
	return &Client{
		cdpURL:      cdpURL,
		tabFilter:   strings.ToLower(strings.TrimSpace(tabFilter)),
		evalTimeout: evalTimeout,
		tabs:        make(map[target.ID]*tabSession),
		opened:      make(map[target.ID]bool),
		tabLocks:    make(map[target.ID]*sync.Mutex),
	}
}

// URL returns the browser's HTTP debugging endpoint.
func (c *Client) URL() string { return c.cdpURL }

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cdpURL == "" {
		return newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	c.cdp = newRawCDP(c.cdpURL)
	if err := c.cdp.connect(ctx); err != nil {
		c.cdp = nil
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	if err := c.syncTabsLocked(ctx); err != nil {
		slog.Error("cdpcontrol initial tab sync failed", "error", err)
		c.cleanupLocked()
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL, "tabs", len(c.tabs))
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

// cleanupLocked detaches every session and drops the connection. Targets
// stay open in the browser.
func (c *Client) cleanupLocked() {
	if c.cdp != nil {
		for targetID, session := range c.tabs {
			if session == nil {
				continue
			}
			session.mu.Lock()
			if session.sessionID != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := c.cdp.detachFromTarget(ctx, session.sessionID); err != nil {
					slog.Debug("cdpcontrol detach cleanup failed", "tab_id", targetID, "error", err)
				}
				cancel()
				session.sessionID = ""
			}
			session.mu.Unlock()
		}
		c.cdp.close()
		c.cdp = nil
	}
	c.tabs = make(map[target.ID]*tabSession)
	c.order = nil
}

// ListTabs returns the attached page tabs in browser order.
func (c *Client) ListTabs(ctx context.Context) ([]TabInfo, error) {
	if err := c.refreshTabs(ctx); err != nil {
		slog.Warn("cdpcontrol list tabs failed", "error", err)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TabInfo, 0, len(c.order))
	for _, id := range c.order {
		if s := c.tabs[id]; s != nil {
			out = append(out, s.info)
		}
	}
	slog.Debug("cdpcontrol list tabs", "count", len(out))
	return out, nil
}

// ResolveTab maps a tab id, or ActiveTab, to a known tab.
func (c *Client) ResolveTab(ctx context.Context, tabID string) (TabInfo, error) {
	_, info, err := c.resolveTabSession(ctx, tabID)
	return info, err
}

// Snapshot captures the tab's current document for classification.
func (c *Client) Snapshot(ctx context.Context, tabID string) (page.Snapshot, error) {
	var out page.Snapshot
	if err := c.evalOnTab(ctx, tabID, jsSnapshot(), &out); err != nil {
		return page.Snapshot{}, err
	}
	return out, nil
}

// OpenBackgroundTab opens url in a new inactive tab and returns its id.
func (c *Client) OpenBackgroundTab(ctx context.Context, url string) (string, error) {
	if strings.TrimSpace(url) == "" {
		return "", newError(CodeValidation, "url is required", nil)
	}
	if err := c.ensureConnected(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return "", newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	id, err := cdp.createTarget(ctx, url, true)
	if err != nil {
		slog.Warn("cdpcontrol create target failed", "url", url, "error", err)
		return "", newError(CodeCDPUnavailable, "create target failed", err)
	}
	c.mu.Lock()
	c.opened[id] = true
	c.mu.Unlock()
	slog.Info("cdpcontrol background tab opened", "tab_id", id, "url", url)
	return string(id), nil
}

// Navigate points the tab itself at url.
func (c *Client) Navigate(ctx context.Context, tabID, url string) error {
	if strings.TrimSpace(url) == "" {
		return newError(CodeValidation, "url is required", nil)
	}
	return c.evalOnTab(ctx, tabID, jsNavigate(url), nil)
}

// Click activates the element at selector. A trusted mouse click is used
// when the element has a layout box; otherwise a synthetic click event is
// dispatched on it.
func (c *Client) Click(ctx context.Context, tabID, selector string) error {
	if strings.TrimSpace(selector) == "" {
		return newError(CodeValidation, "selector is required", nil)
	}
	var box struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := c.evalOnTab(ctx, tabID, jsLocate(selector), &box); err != nil {
		return err
	}
	if box.Width <= 0 || box.Height <= 0 {
		return c.evalOnTab(ctx, tabID, jsSyntheticClick(selector), nil)
	}

	return c.withSession(ctx, tabID, func(cdp *rawCDP, sessionID target.SessionID) error {
		if err := cdp.dispatchMouseClick(ctx, sessionID, box.X, box.Y); err != nil {
			return newError(CodeEvalFailure, "dispatch click failed", err)
		}
		return nil
	})
}

func (c *Client) SetSessionMarker(ctx context.Context, tabID, key, value string) error {
	return c.evalOnTab(ctx, tabID, jsSetSessionItem(key, value), nil)
}

func (c *Client) RemoveSessionMarker(ctx context.Context, tabID, key string) error {
	return c.evalOnTab(ctx, tabID, jsRemoveSessionItem(key), nil)
}

// SessionMarker reports whether key is set in the tab's sessionStorage.
func (c *Client) SessionMarker(ctx context.Context, tabID, key string) (string, bool, error) {
	var out struct {
		Present bool   `json:"present"`
		Value   string `json:"value"`
	}
	if err := c.evalOnTab(ctx, tabID, jsGetSessionItem(key), &out); err != nil {
		return "", false, err
	}
	return out.Value, out.Present, nil
}

// MarkElement sets an attribute on the element at selector.
func (c *Client) MarkElement(ctx context.Context, tabID, selector, name, value string) error {
	return c.evalOnTab(ctx, tabID, jsSetAttribute(selector, name, value), nil)
}

// ReadyState returns document.readyState and the current URL of the tab.
func (c *Client) ReadyState(ctx context.Context, tabID string) (string, string, error) {
	var out struct {
		ReadyState string `json:"ready_state"`
		URL        string `json:"url"`
	}
	if err := c.evalOnTab(ctx, tabID, jsReadyState(), &out); err != nil {
		return "", "", err
	}
	return out.ReadyState, out.URL, nil
}

// evalOnTab evaluates js on the tab, retrying once after a reconnect or tab
// refresh when the failure looks transient.
func (c *Client) evalOnTab(ctx context.Context, tabID, js string, out any) error {
	return c.withRetry(ctx, tabID, func(session *tabSession, info TabInfo) error {
		return c.evalOnSession(ctx, session, info.TabID, js, out)
	})
}

// withSession runs fn with an attached session for the tab.
func (c *Client) withSession(ctx context.Context, tabID string, fn func(cdp *rawCDP, sessionID target.SessionID) error) error {
	return c.withRetry(ctx, tabID, func(session *tabSession, info TabInfo) error {
		c.mu.Lock()
		cdp := c.cdp
		c.mu.Unlock()
		if cdp == nil {
			return newError(CodeCDPUnavailable, "CDP client not connected", nil)
		}
		sessionID, err := c.ensureSession(ctx, cdp, session, info.TabID)
		if err != nil {
			return err
		}
		return fn(cdp, sessionID)
	})
}

func (c *Client) withRetry(ctx context.Context, tabID string, op func(*tabSession, TabInfo) error) error {
	tabID = strings.TrimSpace(tabID)
	if tabID == "" {
		return newError(CodeValidation, "tab id is required", nil)
	}

	session, info, err := c.resolveTabSession(ctx, tabID)
	if err != nil {
		slog.Warn("cdpcontrol tab resolve failed", "tab_id", tabID, "error", err)
	} else {
		lock := c.tabLock(target.ID(info.TabID))
		lock.Lock()
		err = op(session, info)
		lock.Unlock()
	}
	if err == nil || !c.shouldRetry(err) {
		return err
	}

	slog.Warn("cdpcontrol retry after transient failure", "tab_id", tabID, "error", err)
	if c.asCode(err, CodeCDPUnavailable) {
		if recErr := c.reconnect(ctx); recErr != nil {
			slog.Error("cdpcontrol reconnect failed during retry", "tab_id", tabID, "error", recErr)
			return recErr
		}
	} else if syncErr := c.refreshTabs(ctx); syncErr != nil {
		slog.Warn("cdpcontrol tab refresh failed during retry", "tab_id", tabID, "error", syncErr)
	}

	session, info, err = c.resolveTabSession(ctx, tabID)
	if err != nil {
		return err
	}
	lock := c.tabLock(target.ID(info.TabID))
	lock.Lock()
	defer lock.Unlock()
	return op(session, info)
}

func (c *Client) evalOnSession(ctx context.Context, session *tabSession, tabID, js string, out any) error {
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	sessionID, err := c.ensureSession(ctx, cdp, session, tabID)
	if err != nil {
		return err
	}

	evalCtx, evalCancel := context.WithTimeout(ctx, c.evalTimeout)
	defer evalCancel()

	raw, err := cdp.evaluate(evalCtx, sessionID, js)
	if err != nil {
		slog.Warn("cdpcontrol eval failed", "tab_id", tabID, "error", err)
		// A navigation may have replaced the session; attach afresh next time.
		session.mu.Lock()
		session.sessionID = ""
		session.mu.Unlock()

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return newError(CodeEvalTimeout, "evaluation timed out", err)
		}
		return newError(CodeEvalFailure, "evaluation failed", err)
	}
	return decodeEnvelope(raw, out)
}

func decodeEnvelope(raw string, out any) error {
	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == "" {
			code = CodeEvalFailure
		}
		return newError(code, env.ErrorMessage, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return newError(CodeEvalFailure, "invalid evaluation data", err)
	}
	return nil
}

func (c *Client) ensureSession(ctx context.Context, cdp *rawCDP, session *tabSession, tabID string) (target.SessionID, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.sessionID != "" {
		return session.sessionID, nil
	}
	sid, err := cdp.attachToTarget(ctx, target.ID(tabID))
	if err != nil {
		return "", newError(CodeCDPUnavailable, "attach to target failed", err)
	}
	session.sessionID = sid
	slog.Debug("cdpcontrol session attached", "tab_id", tabID, "session_id", sid)
	return sid, nil
}

func (c *Client) resolveTabSession(ctx context.Context, tabID string) (*tabSession, TabInfo, error) {
	if session, info, ok := c.lookupTabSession(tabID); ok {
		return session, info, nil
	}
	if err := c.refreshTabs(ctx); err != nil {
		return nil, TabInfo{}, err
	}
	if session, info, ok := c.lookupTabSession(tabID); ok {
		return session, info, nil
	}
	return nil, TabInfo{}, newError(CodeTabNotFound, "tab not found: "+tabID, nil)
}

// activeLocked picks the first listed tab this client did not open itself.
// /json/list puts recently created targets first.
func (c *Client) activeLocked() target.ID {
	for _, id := range c.order {
		if !c.opened[id] {
			return id
		}
	}
	return c.order[0]
}

func (c *Client) lookupTabSession(tabID string) (*tabSession, TabInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := target.ID(tabID)
	if tabID == ActiveTab {
		if len(c.order) == 0 {
			return nil, TabInfo{}, false
		}
		id = c.activeLocked()
	}
	session := c.tabs[id]
	if session == nil {
		return nil, TabInfo{}, false
	}
	return session, session.info, true
}

func (c *Client) refreshTabs(ctx context.Context) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	err := c.syncTabsLocked(ctx)
	c.mu.Unlock()
	if err == nil {
		return nil
	}
	return newError(CodeCDPUnavailable, "failed to list targets", err)
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) syncTabsLocked(ctx context.Context) error {
	if c.cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	targets, err := c.cdp.listTargets(ctx)
	if err != nil {
		return err
	}

	seen := make(map[target.ID]bool, len(targets))
	order := make([]target.ID, 0, len(targets))
	for _, t := range targets {
		if !c.acceptTarget(t) {
			continue
		}
		info := TabInfo{TabID: string(t.TargetID), URL: t.URL, Title: t.Title}
		if s := c.tabs[t.TargetID]; s != nil {
			s.info = info
		} else {
			c.tabs[t.TargetID] = &tabSession{info: info}
		}
		seen[t.TargetID] = true
		order = append(order, t.TargetID)
	}
	for id := range c.tabs {
		if !seen[id] {
			delete(c.tabs, id)
		}
	}
	for id := range c.opened {
		if !seen[id] {
			delete(c.opened, id)
		}
	}
	c.order = order

	c.tabLocksMu.Lock()
	for id := range c.tabLocks {
		if !seen[id] {
			delete(c.tabLocks, id)
		}
	}
	c.tabLocksMu.Unlock()

	slog.Debug("cdpcontrol tab sync", "targets", len(targets), "tabs", len(order))
	return nil
}

func (c *Client) acceptTarget(t *target.Info) bool {
	return AcceptTarget(t, c.tabFilter)
}

// AcceptTarget reports whether t is a page whose URL contains filter,
// ignoring case. Devtools and extension pages never match.
func AcceptTarget(t *target.Info, filter string) bool {
	if t == nil || t.Type != "page" {
		return false
	}
	u := strings.ToLower(t.URL)
	if strings.HasPrefix(u, "devtools://") || strings.HasPrefix(u, "chrome-extension://") {
		return false
	}
	return filter == "" || strings.Contains(u, strings.ToLower(filter))
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.cdp != nil
	c.mu.Unlock()
	if connected {
		return nil
	}
	return c.reconnect(ctx)
}

func (c *Client) tabLock(id target.ID) *sync.Mutex {
	c.tabLocksMu.Lock()
	defer c.tabLocksMu.Unlock()
	m, ok := c.tabLocks[id]
	if !ok {
		m = &sync.Mutex{}
		c.tabLocks[id] = m
	}
	return m
}

func (c *Client) shouldRetry(err error) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}

	switch coded.Code {
	case CodeCDPUnavailable:
		return true
	case CodeEvalFailure:
		if coded.Cause == nil {
			return false
		}
		cause := strings.ToLower(coded.Cause.Error())
		for _, hint := range transientHints {
			if strings.Contains(cause, hint) {
				return true
			}
		}
	}
	return false
}

func (c *Client) asCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}
