package devops

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"opsflow/internal/domain"
	"opsflow/internal/infra/config"
	"opsflow/internal/infra/tracer"
)

// Azure DevOps REST API versions. The pipelines resource is still served
// under a preview version; work item tracking and builds are GA.
const (
	witAPIVersion       = "7.1"
	pipelinesAPIVersion = "7.1-preview.1"
	buildAPIVersion     = "7.1"
)

// maxResponseBody caps how much of an API response body is read.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// Connector is the Azure DevOps operation surface the rest of the service
// consumes. *Client implements it against the live REST API; BreakerConnector
// wraps any Connector with circuit breaker protection.
type Connector interface {
	GetWorkItem(ctx context.Context, id int) (*domain.WorkItem, error)
	ListPipelines(ctx context.Context) ([]domain.Pipeline, error)
	RunPipeline(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResult, error)
	QueueBuild(ctx context.Context, pipelineID int, parameters map[string]string) (*domain.DispatchResult, error)
	QueryWorkItemIDs(ctx context.Context, wiql string, limit int) ([]int, error)
	Ping(ctx context.Context) error
}

// Client is an Azure DevOps REST client scoped to one organization/project.
// Authentication is PAT-based Basic auth on every request.
type Client struct {
	organization string
	project      string
	orgURL       string
	projectURL   string
	authHeader   string
	client       *http.Client
	logger       *slog.Logger
}

// NewClient builds a DevOps client from configuration. Organization and
// project are required here rather than at config validation so that
// commands which never touch the API (dashboard, help) can run without them.
func NewClient(cfg config.DevOpsConfig, logger *slog.Logger) (*Client, error) {
	if cfg.Organization == "" {
		return nil, fmt.Errorf("%w: devops.organization is required (set OPSFLOW_DEVOPS_ORGANIZATION)", domain.ErrConfigLoad)
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("%w: devops.project is required (set OPSFLOW_DEVOPS_PROJECT)", domain.ErrConfigLoad)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://dev.azure.com"
	}
	orgURL := baseURL + "/" + url.PathEscape(cfg.Organization)

	return &Client{
		organization: cfg.Organization,
		project:      cfg.Project,
		orgURL:       orgURL,
		projectURL:   orgURL + "/" + url.PathEscape(cfg.Project),
		authHeader:   basicAuth(cfg.PAT),
		client:       newHTTPClient(cfg.ConnectTimeout, cfg.APITimeout),
		logger:       logger,
	}, nil
}

// basicAuth encodes a PAT the way Azure DevOps expects: an empty user name
// with the token as password.
func basicAuth(pat string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+pat))
}

// Default connection pool settings. The client talks to a single host with
// modest concurrency, so the pool stays small.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultAPITimeout     = 30 * time.Second
	maxIdleConns          = 10
	idleConnTimeout       = 90 * time.Second
)

func newHTTPClient(connectTimeout, apiTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	if apiTimeout <= 0 {
		apiTimeout = defaultAPITimeout
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: apiTimeout,
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxIdleConns,
			IdleConnTimeout:       idleConnTimeout,
			ForceAttemptHTTP2:     true,
		},
		Timeout: connectTimeout + apiTimeout,
	}
}

// --- Work item tracking ---

type workItemResponse struct {
	ID     int            `json:"id"`
	Fields workItemFields `json:"fields"`
}

type workItemFields struct {
	Title       string `json:"System.Title"`
	Description string `json:"System.Description"`
	State       string `json:"System.State"`
	Tags        string `json:"System.Tags"`
}

// GetWorkItem fetches one work item by numeric id.
func (c *Client) GetWorkItem(ctx context.Context, id int) (*domain.WorkItem, error) {
	ctx, span := tracer.StartSpan(ctx, "devops.get_work_item",
		trace.WithAttributes(tracer.IntAttr("work_item_id", id)),
	)
	defer span.End()

	u := c.projectURL + "/_apis/wit/workitems/" + strconv.Itoa(id) + "?api-version=" + witAPIVersion

	var resp workItemResponse
	if _, err := c.getJSON(ctx, u, &resp); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	tracer.SetOK(span)
	c.logger.Debug("work item fetched", "work_item_id", resp.ID, "state", resp.Fields.State)

	return &domain.WorkItem{
		ID:          resp.ID,
		Title:       resp.Fields.Title,
		Description: resp.Fields.Description,
		State:       resp.Fields.State,
		Tags:        resp.Fields.Tags,
	}, nil
}

// --- Pipelines ---

type pipelineListResponse struct {
	Count int           `json:"count"`
	Value []pipelineRef `json:"value"`
}

type pipelineRef struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Folder string `json:"folder"`
}

// ListPipelines fetches the full pipeline catalog in the order the server
// returns it, following continuation tokens across pages.
func (c *Client) ListPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	ctx, span := tracer.StartSpan(ctx, "devops.list_pipelines")
	defer span.End()

	base := c.projectURL + "/_apis/pipelines?api-version=" + pipelinesAPIVersion

	var pipelines []domain.Pipeline
	continuation := ""
	for {
		u := base
		if continuation != "" {
			u += "&continuationToken=" + url.QueryEscape(continuation)
		}

		var page pipelineListResponse
		header, err := c.getJSON(ctx, u, &page)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}

		for _, p := range page.Value {
			pipelines = append(pipelines, domain.Pipeline{ID: p.ID, Name: p.Name, Folder: p.Folder})
		}

		continuation = header.Get("X-MS-ContinuationToken")
		if continuation == "" {
			break
		}
	}

	span.SetAttributes(tracer.IntAttr("pipeline_count", len(pipelines)))
	tracer.SetOK(span)
	c.logger.Debug("pipeline catalog fetched", "count", len(pipelines))

	return pipelines, nil
}

// --- Pipeline runs ---

type runPipelineRequest struct {
	Resources          *runResources     `json:"resources,omitempty"`
	TemplateParameters map[string]string `json:"templateParameters,omitempty"`
}

type runResources struct {
	Repositories map[string]runRepositoryRef `json:"repositories"`
}

type runRepositoryRef struct {
	RefName string `json:"refName"`
}

type runPipelineResponse struct {
	ID    int      `json:"id"`
	Name  string   `json:"name"`
	State string   `json:"state"`
	Links webLinks `json:"_links"`
}

type webLinks struct {
	Web struct {
		Href string `json:"href"`
	} `json:"web"`
}

// RunPipeline submits one run of a pipeline via the runs API. A successful
// submission returns a queued result carrying the run id and web URL.
func (c *Client) RunPipeline(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResult, error) {
	ctx, span := tracer.StartSpan(ctx, "devops.run_pipeline",
		trace.WithAttributes(tracer.IntAttr("pipeline_id", req.PipelineID)),
	)
	defer span.End()

	body := runPipelineRequest{TemplateParameters: req.Parameters}
	if req.Branch != "" {
		body.Resources = &runResources{
			Repositories: map[string]runRepositoryRef{
				"self": {RefName: refName(req.Branch)},
			},
		}
	}

	u := c.projectURL + "/_apis/pipelines/" + strconv.Itoa(req.PipelineID) + "/runs?api-version=" + pipelinesAPIVersion

	var resp runPipelineResponse
	if err := c.postJSON(ctx, u, body, &resp); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	tracer.SetOK(span)
	c.logger.Debug("pipeline run submitted",
		"pipeline_id", req.PipelineID,
		"run_id", resp.ID,
		"state", resp.State,
	)

	return &domain.DispatchResult{
		Status: domain.DispatchQueued,
		RunID:  strconv.Itoa(resp.ID),
		RunURL: resp.Links.Web.Href,
	}, nil
}

// refName expands a bare branch name to a full Git ref. Already qualified
// refs pass through unchanged.
func refName(branch string) string {
	if strings.HasPrefix(branch, "refs/") {
		return branch
	}
	return "refs/heads/" + branch
}

// --- Legacy build queue ---

type queueBuildRequest struct {
	Definition buildDefinitionRef `json:"definition"`
	Parameters string             `json:"parameters,omitempty"`
}

type buildDefinitionRef struct {
	ID int `json:"id"`
}

type queueBuildResponse struct {
	ID    int      `json:"id"`
	Links webLinks `json:"_links"`
}

// QueueBuild submits a run through the older build queue API. The pipelines
// runs API supersedes it, but definitions created before YAML pipelines only
// accept parameters through this endpoint (as a JSON-encoded string).
func (c *Client) QueueBuild(ctx context.Context, pipelineID int, parameters map[string]string) (*domain.DispatchResult, error) {
	body := queueBuildRequest{Definition: buildDefinitionRef{ID: pipelineID}}
	if len(parameters) > 0 {
		encoded, err := json.Marshal(parameters)
		if err != nil {
			return nil, fmt.Errorf("encode build parameters: %w", err)
		}
		body.Parameters = string(encoded)
	}

	u := c.projectURL + "/_apis/build/builds?api-version=" + buildAPIVersion

	var resp queueBuildResponse
	if err := c.postJSON(ctx, u, body, &resp); err != nil {
		return nil, err
	}

	c.logger.Debug("build queued", "pipeline_id", pipelineID, "build_id", resp.ID)

	return &domain.DispatchResult{
		Status: domain.DispatchQueued,
		RunID:  strconv.Itoa(resp.ID),
		RunURL: resp.Links.Web.Href,
	}, nil
}

// --- Work item queries ---

type wiqlRequest struct {
	Query string `json:"query"`
}

type wiqlResponse struct {
	WorkItems []wiqlWorkItemRef `json:"workItems"`
}

type wiqlWorkItemRef struct {
	ID int `json:"id"`
}

// QueryWorkItemIDs runs a WIQL query and returns matching work item ids in
// query order. A limit > 0 caps the result server-side via $top.
func (c *Client) QueryWorkItemIDs(ctx context.Context, wiql string, limit int) ([]int, error) {
	u := c.projectURL + "/_apis/wit/wiql?api-version=" + witAPIVersion
	if limit > 0 {
		u += "&$top=" + strconv.Itoa(limit)
	}

	var resp wiqlResponse
	if err := c.postJSON(ctx, u, wiqlRequest{Query: wiql}, &resp); err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(resp.WorkItems))
	for _, ref := range resp.WorkItems {
		ids = append(ids, ref.ID)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// Ping verifies connectivity and credentials by fetching the project record.
func (c *Client) Ping(ctx context.Context) error {
	u := c.orgURL + "/_apis/projects/" + url.PathEscape(c.project) + "?api-version=" + witAPIVersion
	_, err := c.getJSON(ctx, u, &struct{}{})
	return err
}

// --- Request plumbing ---

func (c *Client) getJSON(ctx context.Context, u string, out any) (http.Header, error) {
	return c.doJSON(ctx, http.MethodGet, u, nil, out)
}

func (c *Client) postJSON(ctx context.Context, u string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	_, err = c.doJSON(ctx, http.MethodPost, u, body, out)
	return err
}

func (c *Client) doJSON(ctx context.Context, method, u string, body []byte, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", c.authHeader)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, classifyStatus(httpResp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return httpResp.Header, nil
}

// classifyStatus maps an HTTP status code and body to a domain error so the
// circuit breaker and retry logic see stable categories.
func classifyStatus(status int, body []byte) error {
	detail := fmt.Sprintf("devops api %d: %s", status, compactBody(body))

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, detail)
	case status == http.StatusNonAuthoritativeInfo:
		// Azure DevOps answers an invalid PAT with 203 and an HTML sign-in
		// page instead of 401.
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, detail)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, detail)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case status == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s", domain.ErrTimeout, detail)
	case status >= 500:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	default:
		return errors.New(detail)
	}
}

func classifyTransportError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrProviderError, err)
	}
}

// compactBody trims an error body to a single short line for error messages.
func compactBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxDetail = 300
	if len(s) > maxDetail {
		s = s[:maxDetail] + "..."
	}
	return s
}

var _ Connector = (*Client)(nil)
