package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/billfetch/internal/cdpcontrol"
	"github.com/dgnsrekt/billfetch/internal/controller"
	"github.com/dgnsrekt/billfetch/internal/orchestrator"
	"github.com/dgnsrekt/billfetch/internal/page"
)

func registerHealthHandlers(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})
}

func registerTabHandlers(api huma.API, svc Service) {
	type listTabsOutput struct {
		Body struct {
			Tabs []cdpcontrol.TabInfo `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List attached browser tabs", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listTabsOutput{}
			out.Body.Tabs = tabs
			return out, nil
		})

	type pageOutput struct {
		Body page.Analysis
	}
	huma.Register(api, huma.Operation{OperationID: "check-page", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/page", Summary: "Classify the page loaded in a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*pageOutput, error) {
			analysis, err := svc.CheckPage(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &pageOutput{Body: analysis}, nil
		})

	type historyOutput struct {
		Body orchestrator.HistoryResult
	}
	huma.Register(api, huma.Operation{OperationID: "process-history", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/history", Summary: "Open the most recent bill from the history table", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*historyOutput, error) {
			result, err := svc.ProcessHistoryPage(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &historyOutput{Body: result}, nil
		})

	type downloadsOutput struct {
		Body page.BillAssets
	}
	huma.Register(api, huma.Operation{OperationID: "collect-downloads", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/downloads", Summary: "List download options on a bill page", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*downloadsOutput, error) {
			assets, err := svc.CollectDownloadLinks(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &downloadsOutput{Body: assets}, nil
		})
}

func registerRunHandlers(api huma.API, svc Service) {
	type sequentialInput struct {
		TabID string `path:"tab_id"`
		Body  struct {
			TestLimit int `json:"test_limit,omitempty" doc:"Open only the first N accounts. 0 or omitted opens all."`
		} `required:"false"`
	}
	type startOutput struct {
		Body controller.StartResult
	}
	huma.Register(api, huma.Operation{OperationID: "start-sequential", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/sequential", Summary: "Start opening dashboard accounts one at a time", Tags: []string{"Run"}},
		func(ctx context.Context, input *sequentialInput) (*startOutput, error) {
			result, err := svc.StartSequential(ctx, input.TabID, input.Body.TestLimit)
			if err != nil {
				return nil, mapErr(err)
			}
			return &startOutput{Body: result}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "open-all-bills", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/open-all", Summary: "Open every dashboard account", Tags: []string{"Run"}},
		func(ctx context.Context, input *tabIDInput) (*startOutput, error) {
			result, err := svc.OpenAllBills(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &startOutput{Body: result}, nil
		})

	type stateOutput struct {
		Body orchestrator.State
	}
	huma.Register(api, huma.Operation{OperationID: "run-state", Method: http.MethodGet, Path: "/api/v1/run", Summary: "Current run state", Tags: []string{"Run"}},
		func(ctx context.Context, input *struct{}) (*stateOutput, error) {
			return &stateOutput{Body: svc.RunState()}, nil
		})

	type stopOutput struct {
		Body struct {
			Stopped bool `json:"stopped"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "stop-run", Method: http.MethodPost, Path: "/api/v1/run/stop", Summary: "Stop the current run after the in-flight account", Tags: []string{"Run"}},
		func(ctx context.Context, input *struct{}) (*stopOutput, error) {
			out := &stopOutput{}
			out.Body.Stopped = svc.StopRun()
			return out, nil
		})
}
