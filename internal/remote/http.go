package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// HTTPClient provisions workers through a deployment service:
//
//	POST   {base}/workers                  -> {"serviceId", "deploymentId"}
//	DELETE {base}/workers/{deploymentId}
//
// Calls are throttled by a token bucket shared by both operations.
type HTTPClient struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewHTTPClient creates a client allowing perSecond calls with an equal burst.
// A non-positive perSecond disables throttling.
func NewHTTPClient(baseURL string, perSecond float64, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limit, burst := rate.Inf, 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  httpClient,
		rateLimiter: rate.NewLimiter(limit, burst),
	}
}

func (c *HTTPClient) Provision(ctx context.Context, req ProvisionRequest) (WorkerHandle, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return WorkerHandle{}, fmt.Errorf("provision rate limit: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return WorkerHandle{}, fmt.Errorf("marshal provision request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/workers", bytes.NewReader(body))
	if err != nil {
		return WorkerHandle{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", uuid.NewSHA1(uuid.NameSpaceURL, []byte("opflow:"+req.SessionID)).String())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return WorkerHandle{}, fmt.Errorf("provision worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return WorkerHandle{}, fmt.Errorf("provision worker: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var h WorkerHandle
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return WorkerHandle{}, fmt.Errorf("decode provision response: %w", err)
	}
	if h.DeploymentID == "" {
		return WorkerHandle{}, fmt.Errorf("provision worker: response has no deploymentId")
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	return h, nil
}

func (c *HTTPClient) Teardown(ctx context.Context, h WorkerHandle) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("teardown rate limit: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/workers/"+h.DeploymentID, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("teardown worker: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("teardown worker: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

var _ Client = (*HTTPClient)(nil)
