package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultReplicateBaseURL = "https://api.replicate.com/v1"
	replicatePollInterval   = 2 * time.Second
	replicatePollTimeout    = 2 * time.Minute
)

// ReplicateProvider generates images through Replicate's predictions API.
// Predictions are asynchronous: the adapter requests synchronous delivery via
// the Prefer header and falls back to polling when the model is cold.
type ReplicateProvider struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
}

func NewReplicateProvider(apiKey, baseURL string) (*ReplicateProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("replicate: api key is required")
	}
	if baseURL == "" {
		baseURL = defaultReplicateBaseURL
	}
	return &ReplicateProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
		pollInterval: replicatePollInterval,
	}, nil
}

func (p *ReplicateProvider) Name() string {
	return string(TypeReplicate)
}

// replicatePrediction mirrors the subset of Replicate's prediction resource
// the adapter needs.
type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// GenerateImage runs a prediction against the model named in the request
// (owner/name form) and returns the output image URLs.
func (p *ReplicateProvider) GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResult, error) {
	if req == nil || req.Prompt == "" {
		return nil, fmt.Errorf("replicate: prompt is required")
	}
	if req.Model == "" {
		return nil, fmt.Errorf("replicate: model is required")
	}

	input := map[string]any{"prompt": req.Prompt}
	if req.Width > 0 {
		input["width"] = req.Width
	}
	if req.Height > 0 {
		input["height"] = req.Height
	}

	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, fmt.Errorf("replicate: encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s/predictions", p.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("replicate: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Prefer", "wait=60")

	prediction, err := p.doPrediction(httpReq)
	if err != nil {
		return nil, err
	}

	prediction, err = p.awaitPrediction(ctx, prediction)
	if err != nil {
		return nil, err
	}

	urls, err := parseReplicateOutput(prediction.Output)
	if err != nil {
		return nil, &Error{
			Reason:   FailureMalformedResponse,
			Provider: string(TypeReplicate),
			Model:    req.Model,
			Message:  err.Error(),
		}
	}
	return &ImageResult{URLs: urls}, nil
}

func (p *ReplicateProvider) doPrediction(req *http.Request) (*replicatePrediction, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, NewError(TypeReplicate, "", "", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewError(TypeReplicate, "", "", err)
	}

	if resp.StatusCode >= 400 {
		return nil, NewError(TypeReplicate, "", "",
			fmt.Errorf("replicate: %s: %s", resp.Status, string(data))).WithStatus(resp.StatusCode)
	}

	var prediction replicatePrediction
	if err := json.Unmarshal(data, &prediction); err != nil {
		return nil, &Error{
			Reason:   FailureMalformedResponse,
			Provider: string(TypeReplicate),
			Message:  fmt.Sprintf("decode prediction: %v", err),
			Cause:    err,
		}
	}
	return &prediction, nil
}

// awaitPrediction polls until the prediction reaches a terminal status.
func (p *ReplicateProvider) awaitPrediction(ctx context.Context, prediction *replicatePrediction) (*replicatePrediction, error) {
	deadline := time.Now().Add(replicatePollTimeout)

	for {
		switch prediction.Status {
		case "succeeded":
			return prediction, nil
		case "failed", "canceled":
			return nil, &Error{
				Reason:   FailureServerError,
				Provider: string(TypeReplicate),
				Message:  fmt.Sprintf("prediction %s: %s", prediction.Status, prediction.Error),
			}
		}

		if time.Now().After(deadline) {
			return nil, &Error{
				Reason:   FailureTimeout,
				Provider: string(TypeReplicate),
				Message:  fmt.Sprintf("prediction %s did not complete within %s", prediction.ID, replicatePollTimeout),
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}

		getURL := prediction.URLs.Get
		if getURL == "" {
			getURL = fmt.Sprintf("%s/predictions/%s", p.baseURL, prediction.ID)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, getURL, nil)
		if err != nil {
			return nil, fmt.Errorf("replicate: build poll request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

		prediction, err = p.doPrediction(httpReq)
		if err != nil {
			return nil, err
		}
	}
}

// parseReplicateOutput accepts either a single URL string or a list of URL
// strings, the two shapes image models return.
func parseReplicateOutput(output json.RawMessage) ([]string, error) {
	if len(output) == 0 {
		return nil, fmt.Errorf("prediction output is empty")
	}

	var single string
	if err := json.Unmarshal(output, &single); err == nil {
		return []string{single}, nil
	}

	var many []string
	if err := json.Unmarshal(output, &many); err == nil {
		if len(many) == 0 {
			return nil, fmt.Errorf("prediction output is empty")
		}
		return many, nil
	}

	return nil, fmt.Errorf("unrecognized prediction output shape")
}
