package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DeadlineMargin is added on top of an evaluation's own timeout so the
// dispatcher's HTTP call does not race the executor's own internal
// enforcement of that same timeout.
const DeadlineMargin = 5 * time.Second

// Client is the dispatcher-side HTTP caller for a claimed executor.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a Client. A nil httpClient gets a default with no
// blanket timeout -- callers always supply a context deadline instead, so
// the deadline can vary per evaluation's own timeout_secs.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient}
}

// Execute POSTs req to url+"/execute" with a deadline of
// req.TimeoutSecs+DeadlineMargin, returning the decoded result and the HTTP
// status code (needed by retry.Classify for non-2xx responses).
func (c *Client) Execute(ctx context.Context, url string, req ExecuteRequest) (ExecuteResult, int, error) {
	deadline := time.Duration(req.TimeoutSecs)*time.Second + DeadlineMargin
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return ExecuteResult{}, 0, fmt.Errorf("executor: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/execute", bytes.NewReader(body))
	if err != nil {
		return ExecuteResult{}, 0, fmt.Errorf("executor: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ExecuteResult{}, 0, fmt.Errorf("executor: request %s: %w", url, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return ExecuteResult{}, res.StatusCode, fmt.Errorf("executor: %s returned status %d", url, res.StatusCode)
	}

	var result ExecuteResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return ExecuteResult{}, res.StatusCode, fmt.Errorf("executor: decode response: %w", err)
	}
	return result, res.StatusCode, nil
}

// CheckHealth probes url+"/health", matching router.Router's convention so
// the dispatcher can reuse the same liveness definition end to end.
func (c *Client) CheckHealth(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return false
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode == http.StatusOK
}
