package execstoresdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client is a minimal execstore HTTP API client. Requests are retried on
// connection errors and 5xx responses.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// TokenSource, when set, is called per request and overrides BearerToken.
	TokenSource func() (string, error)
	HTTPClient  *retryablehttp.Client
	Timeout     time.Duration
	RetryMax    int
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
		RetryMax: 3,
	}
}

// Stage is the API stage model (partial).
type Stage struct {
	ID                   string         `json:"id"`
	ExecutionID          string         `json:"executionId,omitempty"`
	RefID                string         `json:"refId"`
	Type                 string         `json:"type"`
	Name                 string         `json:"name,omitempty"`
	Status               string         `json:"status,omitempty"`
	Context              map[string]any `json:"context,omitempty"`
	RequisiteStageRefIDs []string       `json:"requisiteStageRefIds,omitempty"`
	SyntheticStageOwner  string         `json:"syntheticStageOwner,omitempty"`
	ParentStageID        string         `json:"parentStageId,omitempty"`
}

// Execution is the API execution model (partial).
type Execution struct {
	ID                 string   `json:"id"`
	Type               string   `json:"type"`
	Application        string   `json:"application"`
	Name               string   `json:"name,omitempty"`
	PipelineConfigID   string   `json:"pipelineConfigId,omitempty"`
	Partition          string   `json:"partition,omitempty"`
	Status             string   `json:"status"`
	BuildTime          int64    `json:"buildTime"`
	StartTime          *int64   `json:"startTime,omitempty"`
	EndTime            *int64   `json:"endTime,omitempty"`
	Canceled           bool     `json:"canceled"`
	CanceledBy         string   `json:"canceledBy,omitempty"`
	CancellationReason string   `json:"cancellationReason,omitempty"`
	Stages             []*Stage `json:"stages,omitempty"`
}

// Page is one page of a listing.
type Page struct {
	Items      []Execution `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

// MutationResult reports where a mutation was applied.
type MutationResult struct {
	Execution   *Execution `json:"execution,omitempty"`
	ForwardedTo string     `json:"forwarded_to,omitempty"`
}

// ListOptions filters List.
type ListOptions struct {
	Application string
	Statuses    []string
	Limit       int
	Cursor      string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Store creates or replaces an execution.
func (c *Client) Store(ctx context.Context, e Execution) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, "executions", e, &resp)
	return resp, err
}

// Get fetches an execution. requireLatest asks the server to verify replica
// reads against its freshness ledger.
func (c *Client) Get(ctx context.Context, executionType, id string, requireLatest bool) (Execution, error) {
	endpoint := c.executionPath(executionType, id)
	if requireLatest {
		endpoint += "?require_latest=true"
	}
	var resp Execution
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// List returns one page of an application's executions, newest first.
func (c *Client) List(ctx context.Context, executionType string, opts ListOptions) (Page, error) {
	q := url.Values{}
	q.Set("application", opts.Application)
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if len(opts.Statuses) > 0 {
		q.Set("status", strings.Join(opts.Statuses, ","))
	}
	var resp Page
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("executions/%s?%s", url.PathEscape(executionType), q.Encode()), nil, &resp)
	return resp, err
}

// ByCorrelationID returns the running execution started for correlationID.
func (c *Client) ByCorrelationID(ctx context.Context, executionType, correlationID string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("correlations/%s/%s", url.PathEscape(executionType), url.PathEscape(correlationID)), nil, &resp)
	return resp, err
}

func (c *Client) Cancel(ctx context.Context, executionType, id, reason string) (MutationResult, error) {
	var resp MutationResult
	err := c.do(ctx, http.MethodPost, c.executionPath(executionType, id)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) Pause(ctx context.Context, executionType, id string) (MutationResult, error) {
	var resp MutationResult
	err := c.do(ctx, http.MethodPost, c.executionPath(executionType, id)+"/pause", map[string]any{}, &resp)
	return resp, err
}

func (c *Client) Resume(ctx context.Context, executionType, id string, ignoreStatus bool) (MutationResult, error) {
	var resp MutationResult
	err := c.do(ctx, http.MethodPost, c.executionPath(executionType, id)+"/resume", map[string]any{"ignore_status": ignoreStatus}, &resp)
	return resp, err
}

func (c *Client) Delete(ctx context.Context, executionType, id string) (MutationResult, error) {
	var resp MutationResult
	err := c.do(ctx, http.MethodDelete, c.executionPath(executionType, id), nil, &resp)
	return resp, err
}

// AddStage inserts a runtime-generated stage.
func (c *Client) AddStage(ctx context.Context, executionType, id string, s Stage) (MutationResult, error) {
	var resp MutationResult
	err := c.do(ctx, http.MethodPost, c.executionPath(executionType, id)+"/stages", s, &resp)
	return resp, err
}

func (c *Client) RemoveStage(ctx context.Context, executionType, id, stageID string) (MutationResult, error) {
	var resp MutationResult
	err := c.do(ctx, http.MethodDelete, c.stagePath(executionType, id, stageID), nil, &resp)
	return resp, err
}

func (c *Client) RestartStage(ctx context.Context, executionType, id, stageID string) (MutationResult, error) {
	var resp MutationResult
	err := c.do(ctx, http.MethodPost, c.stagePath(executionType, id, stageID)+"/restart", map[string]any{}, &resp)
	return resp, err
}

// PatchStage merges patch into the stage context.
func (c *Client) PatchStage(ctx context.Context, executionType, id, stageID string, patch map[string]any) (MutationResult, error) {
	var resp MutationResult
	err := c.do(ctx, http.MethodPost, c.stagePath(executionType, id, stageID)+"/patch", map[string]any{"context": patch}, &resp)
	return resp, err
}

// PostIntent delivers a forwarded intent event to the owning partition.
func (c *Client) PostIntent(ctx context.Context, event any) error {
	return c.do(ctx, http.MethodPost, "interlink/intents", event, nil)
}

func (c *Client) client() *retryablehttp.Client {
	if c.HTTPClient == nil {
		rc := retryablehttp.NewClient()
		rc.Logger = nil
		rc.RetryMax = c.RetryMax
		rc.HTTPClient.Timeout = c.Timeout
		c.HTTPClient = rc
	}
	return c.HTTPClient
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, buf.Bytes())
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	token := c.BearerToken
	if c.TokenSource != nil {
		if token, err = c.TokenSource(); err != nil {
			return err
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) executionPath(executionType, id string) string {
	return fmt.Sprintf("executions/%s/%s", url.PathEscape(executionType), url.PathEscape(id))
}

func (c *Client) stagePath(executionType, id, stageID string) string {
	return c.executionPath(executionType, id) + "/stages/" + url.PathEscape(stageID)
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
