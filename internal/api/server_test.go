package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgnsrekt/billfetch/internal/cdpcontrol"
	"github.com/dgnsrekt/billfetch/internal/controller"
	"github.com/dgnsrekt/billfetch/internal/dedupe"
	"github.com/dgnsrekt/billfetch/internal/orchestrator"
	"github.com/dgnsrekt/billfetch/internal/page"
)

type stubService struct {
	err       error
	testLimit int
	tabID     string
	openReq   dedupe.OpenRequest
	stopped   bool
}

func (s *stubService) ListTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error) {
	return []cdpcontrol.TabInfo{{TabID: "T1", URL: "https://portal.example.com/dashboard", Title: "Dashboard"}}, s.err
}
func (s *stubService) CheckPage(ctx context.Context, tabID string) (page.Analysis, error) {
	s.tabID = tabID
	if s.err != nil {
		return page.Analysis{}, s.err
	}
	return page.Analysis{IsTargetPage: true, PageType: page.TypeDashboard, RecordCount: 3, Step: page.StepDashboard}, nil
}
func (s *stubService) StartSequential(ctx context.Context, tabID string, testLimit int) (controller.StartResult, error) {
	s.tabID = tabID
	s.testLimit = testLimit
	if s.err != nil {
		return controller.StartResult{}, s.err
	}
	return controller.StartResult{Success: true, RunID: "run-1", TabID: tabID, Accounts: 3, TestMode: testLimit > 0}, nil
}
func (s *stubService) OpenAllBills(ctx context.Context, tabID string) (controller.StartResult, error) {
	return s.StartSequential(ctx, tabID, 0)
}
func (s *stubService) ProcessHistoryPage(ctx context.Context, tabID string) (orchestrator.HistoryResult, error) {
	return orchestrator.HistoryResult{URL: "https://portal.example.com/bill?doc=1"}, s.err
}
func (s *stubService) CollectDownloadLinks(ctx context.Context, tabID string) (page.BillAssets, error) {
	return page.BillAssets{PDFLinks: []string{"https://portal.example.com/a.pdf"}}, s.err
}
func (s *stubService) OpenAccountTab(ctx context.Context, req dedupe.OpenRequest) (dedupe.OpenResponse, error) {
	s.openReq = req
	return dedupe.OpenResponse{OK: true, TabID: "T9"}, s.err
}
func (s *stubService) RunState() orchestrator.State {
	return orchestrator.State{Running: true, ProcessedCount: 1, Total: 3}
}
func (s *stubService) StopRun() bool {
	s.stopped = true
	return true
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDocsDarkMode(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := serve(t, h, http.MethodGet, "/docs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
}

func TestHealth(t *testing.T) {
	w := serve(t, NewServer(&stubService{}, nil), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestCheckPage(t *testing.T) {
	svc := &stubService{}
	w := serve(t, NewServer(svc, nil), http.MethodGet, "/api/v1/tabs/active/page", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if svc.tabID != "active" {
		t.Fatalf("tab id = %q, want active", svc.tabID)
	}
	var got page.Analysis
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PageType != page.TypeDashboard || got.RecordCount != 3 || !got.IsTargetPage {
		t.Fatalf("analysis = %+v", got)
	}
}

func TestStartSequentialPassesLimit(t *testing.T) {
	svc := &stubService{}
	w := serve(t, NewServer(svc, nil), http.MethodPost, "/api/v1/tabs/T1/sequential", `{"test_limit":2}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if svc.testLimit != 2 {
		t.Fatalf("test limit = %d, want 2", svc.testLimit)
	}
	var got controller.StartResult
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Success || !got.TestMode || got.RunID != "run-1" {
		t.Fatalf("result = %+v", got)
	}
}

func TestOpenAllBills(t *testing.T) {
	svc := &stubService{testLimit: -1}
	w := serve(t, NewServer(svc, nil), http.MethodPost, "/api/v1/tabs/T1/open-all", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if svc.testLimit != 0 {
		t.Fatalf("test limit = %d, want 0", svc.testLimit)
	}
}

func TestGateOpen(t *testing.T) {
	svc := &stubService{}
	w := serve(t, NewServer(svc, nil), http.MethodPost, "/api/v1/gate/open", `{"url":"https://portal.example.com/bill/1","account_number":"A1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if svc.openReq.URL != "https://portal.example.com/bill/1" || svc.openReq.AccountNumber != "A1" {
		t.Fatalf("request = %+v", svc.openReq)
	}
	if !strings.Contains(w.Body.String(), `"tab_id":"T9"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestGateOpenRequiresURL(t *testing.T) {
	w := serve(t, NewServer(&stubService{}, nil), http.MethodPost, "/api/v1/gate/open", `{"account_number":"A1"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
}

func TestRunStateAndStop(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, nil)

	w := serve(t, h, http.MethodGet, "/api/v1/run", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"processed_count":1`) {
		t.Fatalf("run state: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = serve(t, h, http.MethodPost, "/api/v1/run/stop", "")
	if w.Code != http.StatusOK || !svc.stopped {
		t.Fatalf("stop: status = %d, stopped = %v", w.Code, svc.stopped)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: "tab_id is required"}, http.StatusBadRequest},
		{"not found", &cdpcontrol.CodedError{Code: cdpcontrol.CodeTabNotFound, Message: "tab not found"}, http.StatusNotFound},
		{"wrong page", &cdpcontrol.CodedError{Code: cdpcontrol.CodeWrongPage, Message: "not a dashboard"}, http.StatusConflict},
		{"already running", &cdpcontrol.CodedError{Code: cdpcontrol.CodeAlreadyRunning, Message: "busy"}, http.StatusConflict},
		{"timeout", &cdpcontrol.CodedError{Code: cdpcontrol.CodeEvalTimeout, Message: "slow"}, http.StatusGatewayTimeout},
		{"cdp", &cdpcontrol.CodedError{Code: cdpcontrol.CodeCDPUnavailable, Message: "down"}, http.StatusBadGateway},
		{"eval", &cdpcontrol.CodedError{Code: cdpcontrol.CodeEvalFailure, Message: "boom"}, http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, NewServer(&stubService{err: tt.err}, nil), http.MethodGet, "/api/v1/tabs/T1/page", "")
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestEventsMounted(t *testing.T) {
	events := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: downloadProgress\ndata: {}\n\n"))
	})
	w := serve(t, NewServer(&stubService{}, events), http.MethodGet, "/api/v1/events", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "downloadProgress") {
		t.Fatalf("body = %s", w.Body.String())
	}

	w = serve(t, NewServer(&stubService{}, nil), http.MethodGet, "/api/v1/events", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unmounted events status = %d, want 404", w.Code)
	}
}
