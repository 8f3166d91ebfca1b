package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/billfetch/internal/dedupe"
)

func registerGateHandlers(api huma.API, svc Service) {
	type openInput struct {
		Body struct {
			URL           string `json:"url" required:"true" doc:"Bill URL to open in a background tab"`
			AccountNumber string `json:"account_number,omitempty"`
			DedupeKey     string `json:"dedupe_key,omitempty" doc:"Overrides the normalized url|account key"`
		}
	}
	type openOutput struct {
		Body dedupe.OpenResponse
	}
	huma.Register(api, huma.Operation{OperationID: "gate-open", Method: http.MethodPost, Path: "/api/v1/gate/open", Summary: "Open a bill tab unless the same bill was opened recently", Tags: []string{"Gate"}},
		func(ctx context.Context, input *openInput) (*openOutput, error) {
			resp, err := svc.OpenAccountTab(ctx, dedupe.OpenRequest{
				URL:           input.Body.URL,
				AccountNumber: input.Body.AccountNumber,
				DedupeKey:     input.Body.DedupeKey,
			})
			if err != nil {
				return nil, mapErr(err)
			}
			return &openOutput{Body: resp}, nil
		})
}
