package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/billfetch/internal/cdpcontrol"
	"github.com/dgnsrekt/billfetch/internal/controller"
	"github.com/dgnsrekt/billfetch/internal/dedupe"
	"github.com/dgnsrekt/billfetch/internal/orchestrator"
	"github.com/dgnsrekt/billfetch/internal/page"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	ListTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error)
	CheckPage(ctx context.Context, tabID string) (page.Analysis, error)
	StartSequential(ctx context.Context, tabID string, testLimit int) (controller.StartResult, error)
	OpenAllBills(ctx context.Context, tabID string) (controller.StartResult, error)
	ProcessHistoryPage(ctx context.Context, tabID string) (orchestrator.HistoryResult, error)
	CollectDownloadLinks(ctx context.Context, tabID string) (page.BillAssets, error)
	OpenAccountTab(ctx context.Context, req dedupe.OpenRequest) (dedupe.OpenResponse, error)
	RunState() orchestrator.State
	StopRun() bool
}

type tabIDInput struct {
	TabID string `path:"tab_id" doc:"Tab id from /api/v1/tabs, or \"active\" for the most recently focused tab not opened by a run."`
}

// NewServer builds the router. events is mounted as the progress stream;
// nil leaves the route unregistered.
func NewServer(svc Service, events http.Handler) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Billfetch Controller API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if events != nil {
		router.Method(http.MethodGet, "/api/v1/events", events)
	}

	registerHealthHandlers(api)
	registerTabHandlers(api, svc)
	registerRunHandlers(api, svc)
	registerGateHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpcontrol.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdpcontrol.CodeWrongPage, cdpcontrol.CodeAlreadyRunning:
			return huma.Error409Conflict(coded.Message)
		case cdpcontrol.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdpcontrol.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
