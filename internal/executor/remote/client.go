// Package remote runs pipeline stages on an external executor service over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/derril-tech/researchflow/internal/workflow"
	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
)

// Sentinel errors for executor service failures.
var (
	ErrUnreachable = errors.New("stage executor unreachable")
	ErrRejected    = errors.New("stage executor rejected request")
	ErrTimeout     = errors.New("stage executor timeout")
)

const maxResponseBytes = 8 << 20

// Client implements workflow.Executor and workflow.QualityScorer against an
// executor service:
//
//	POST {base}/v1/stages/{stage}  -> StateSlice
//	POST {base}/v1/quality         -> {"score": float}
//	GET  {base}/ready
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

var (
	_ workflow.Executor      = (*Client)(nil)
	_ workflow.QualityScorer = (*Client)(nil)
)

// NewClient creates a client. timeout bounds every HTTP exchange; stage
// timeouts from the pipeline config apply on top through the context.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL identifies the service, for logs and health output.
func (c *Client) BaseURL() string { return c.baseURL }

type stageRequest struct {
	JobID        uuid.UUID            `json:"job_id"`
	Stage        models.Stage         `json:"stage"`
	Query        string               `json:"query"`
	Constraints  models.Constraints   `json:"constraints"`
	OutputConfig models.OutputConfig  `json:"output_config"`
	State        models.WorkflowState `json:"state"`
	Params       map[string]string    `json:"params,omitempty"`
}

type qualityResponse struct {
	Score *float64 `json:"score"`
}

func (c *Client) Execute(ctx context.Context, in workflow.StageInput, cfg workflow.StageConfig) (models.StateSlice, error) {
	var slice models.StateSlice
	err := c.post(ctx, "/v1/stages/"+string(in.Stage), newStageRequest(in, cfg.Params), &slice)
	if err != nil {
		return models.StateSlice{}, err
	}
	return slice, nil
}

func (c *Client) Score(ctx context.Context, in workflow.StageInput) (float64, error) {
	var resp qualityResponse
	if err := c.post(ctx, "/v1/quality", newStageRequest(in, nil), &resp); err != nil {
		return 0, err
	}
	if resp.Score == nil {
		return 0, fmt.Errorf("%w: quality response has no score", ErrRejected)
	}
	return *resp.Score, nil
}

func (c *Client) Ready(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ready", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: executor not ready (status %d)", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

func newStageRequest(in workflow.StageInput, params map[string]string) stageRequest {
	return stageRequest{
		JobID:        in.JobID,
		Stage:        in.Stage,
		Query:        in.Query,
		Constraints:  in.Constraints,
		OutputConfig: in.OutputConfig,
		State:        in.State,
		Params:       params,
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := strings.TrimSpace(string(detail))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: status %d: %s", ErrUnreachable, resp.StatusCode, msg)
		}
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrRejected, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}

// classifyError maps transport-level errors to sentinel errors. Context
// errors stay in the chain so the engine can tell a shutdown from a failure.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
