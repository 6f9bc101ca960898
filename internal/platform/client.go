// Package platform is the REST boundary to the remote marketing platform:
// query submission, async-activity status, rowset probes, and cleanup of
// transient query definitions.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"querydeck/internal/domain"
)

var _ domain.PlatformGateway = (*Client)(nil)

// Client calls the remote platform REST API. All calls share one
// client-side rate limit so a burst of poll jobs cannot hammer the API.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a platform Client.
func NewClient(baseURL, authToken string, rps float64, burst int, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(authToken).
		SetTimeout(30 * time.Second).
		SetHeader("Accept", "application/json")

	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

type activityStatusResponse struct {
	Status        string `json:"status"`
	ErrorMessage  string `json:"errorMsg"`
	CompletedDate string `json:"completedDate"`
}

type isRunningResponse struct {
	IsRunning bool `json:"isRunning"`
}

type rowsetPageResponse struct {
	Count int              `json:"count"`
	Items []map[string]any `json:"items"`
}

type queryDefinitionResponse struct {
	QueryDefinitionID string `json:"queryDefinitionId"`
	CustomerKey       string `json:"customerKey"`
	TargetName        string `json:"targetName"`
	TaskID            string `json:"taskId"`
}

// mapStatus converts an HTTP failure into the error taxonomy: 401-class and
// 400/403 are terminal, everything else stays retryable.
func mapStatus(op string, resp *resty.Response) error {
	code := resp.StatusCode()
	switch code {
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized("%s: platform rejected credentials (401)", op)
	case http.StatusBadRequest, http.StatusForbidden:
		return domain.ErrTerminal("%s: platform returned %d: %s", op, code, resp.String())
	default:
		return fmt.Errorf("%s: platform returned %d", op, code)
	}
}

// Submit runs the submission sequence: validate the SQL, create the target
// data extension, then create and start the query definition. The progress
// callback fires before each stage.
func (c *Client) Submit(ctx context.Context, req domain.SubmitRequest, progress func(stage string)) (domain.SubmitResult, error) {
	var out domain.SubmitResult

	progress(domain.EventValidatingQuery)
	if err := c.limiter.Wait(ctx); err != nil {
		return out, err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"queryText": req.SQLText}).
		Post("/automation/v1/queries/actions/validate")
	if err != nil {
		return out, fmt.Errorf("validate query: %w", err)
	}
	if resp.IsError() {
		return out, mapStatus("validate query", resp)
	}

	progress(domain.EventCreatingTarget)
	targetName := fmt.Sprintf("%s_%s", req.SnippetName, shortID(req.RunID))
	if err := c.limiter.Wait(ctx); err != nil {
		return out, err
	}
	resp, err = c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"name": targetName, "eid": req.Eid, "isTransient": true}).
		Post("/data/v1/customobjects")
	if err != nil {
		return out, fmt.Errorf("create target: %w", err)
	}
	if resp.IsError() {
		return out, mapStatus("create target", resp)
	}

	progress(domain.EventExecutingQuery)
	var def queryDefinitionResponse
	if err := c.limiter.Wait(ctx); err != nil {
		return out, err
	}
	resp, err = c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"name":        req.SnippetName,
			"queryText":   req.SQLText,
			"targetName":  targetName,
			"targetType":  "DE",
			"runOnCreate": true,
		}).
		SetResult(&def).
		Post("/automation/v1/queries")
	if err != nil {
		return out, fmt.Errorf("create query definition: %w", err)
	}
	if resp.IsError() {
		return out, mapStatus("create query definition", resp)
	}

	out = domain.SubmitResult{
		TaskID:            def.TaskID,
		QueryDefinitionID: def.QueryDefinitionID,
		QueryCustomerKey:  def.CustomerKey,
		TargetDeName:      targetName,
	}
	if def.TargetName != "" {
		out.TargetDeName = def.TargetName
	}
	return out, nil
}

// ActivityStatus fetches the async-activity status record by task id.
func (c *Client) ActivityStatus(ctx context.Context, taskID string) (domain.ActivityStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.ActivityStatus{}, err
	}
	var body activityStatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/automation/v1/asyncactivities/" + taskID + "/status")
	if err != nil {
		return domain.ActivityStatus{}, fmt.Errorf("activity status: %w", err)
	}
	if resp.IsError() {
		return domain.ActivityStatus{}, mapStatus("activity status", resp)
	}

	status := domain.ActivityStatus{Status: body.Status, ErrorMessage: body.ErrorMessage}
	if body.CompletedDate != "" {
		if ts, parseErr := time.Parse(time.RFC3339, body.CompletedDate); parseErr == nil {
			status.CompletedAt = &ts
		} else {
			c.logger.Warn("unparseable completedDate from platform", "taskId", taskID, "value", body.CompletedDate)
		}
	}
	return status, nil
}

// IsActivityRunning asks the platform whether the task is still executing.
func (c *Client) IsActivityRunning(ctx context.Context, taskID string) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	var body isRunningResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/automation/v1/asyncactivities/" + taskID + "/isrunning")
	if err != nil {
		return false, fmt.Errorf("is running: %w", err)
	}
	if resp.IsError() {
		return false, mapStatus("is running", resp)
	}
	return body.IsRunning, nil
}

// ProbeRows fetches a single-row page of the target rowset and returns the
// number of rows seen.
func (c *Client) ProbeRows(ctx context.Context, targetDeName string) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	var body rowsetPageResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"$page": "1", "$pageSize": "1"}).
		SetResult(&body).
		Get("/data/v1/customobjectdata/key/" + targetDeName + "/rowset")
	if err != nil {
		return 0, fmt.Errorf("probe rows: %w", err)
	}
	if resp.IsError() {
		return 0, mapStatus("probe rows", resp)
	}
	if body.Count > 0 {
		return body.Count, nil
	}
	return len(body.Items), nil
}

// RowsetQueryable verifies the target rowset can be queried. A 404 means
// the rowset is not materialized yet, reported as (false, nil).
func (c *Client) RowsetQueryable(ctx context.Context, targetDeName string) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"$page": "1", "$pageSize": "1"}).
		Get("/data/v1/customobjectdata/key/" + targetDeName + "/rowset")
	if err != nil {
		return false, fmt.Errorf("rowset queryable: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if resp.IsError() {
		return false, mapStatus("rowset queryable", resp)
	}
	return true, nil
}

// ResolveQueryDefinitionID looks up a query definition id by customer key.
func (c *Client) ResolveQueryDefinitionID(ctx context.Context, customerKey string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	var body queryDefinitionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/automation/v1/queries/key:" + customerKey)
	if err != nil {
		return "", fmt.Errorf("resolve query definition: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", domain.ErrNotFound("query definition %q not found", customerKey)
	}
	if resp.IsError() {
		return "", mapStatus("resolve query definition", resp)
	}
	return body.QueryDefinitionID, nil
}

// DeleteQueryDefinition removes the transient remote query object.
func (c *Client) DeleteQueryDefinition(ctx context.Context, queryDefinitionID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/automation/v1/queries/" + queryDefinitionID)
	if err != nil {
		return fmt.Errorf("delete query definition: %w", err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return mapStatus("delete query definition", resp)
	}
	return nil
}

// shortID truncates a run id for use in target names. Ids normally are
// uuids, but anything shorter passes through whole.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
