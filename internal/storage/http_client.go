package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/codepr/crucible/internal/eval"
)

// HTTPStore talks to an external storage service over REST, the same
// "URL + http.Post/Get" shape as core/runner.go's ServerRunner.Submit,
// generalized from a fire-and-forget test submission to a full
// put/get/list record store.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore constructs an HTTPStore against baseURL (e.g.
// "http://storage-service:8090").
func NewHTTPStore(baseURL string, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPStore{baseURL: baseURL, client: client}
}

func (s *HTTPStore) Put(ctx context.Context, e *eval.Evaluation) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("storage: marshal evaluation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+"/evaluations/"+e.ID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", e.ID, err)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("storage: put %s: status %d", e.ID, res.StatusCode)
	}
	return nil
}

func (s *HTTPStore) Get(ctx context.Context, evalID string) (*eval.Evaluation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/evaluations/"+evalID, nil)
	if err != nil {
		return nil, err
	}
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage: get %s: %w", evalID, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if res.StatusCode/100 != 2 {
		return nil, fmt.Errorf("storage: get %s: status %d", evalID, res.StatusCode)
	}
	var e eval.Evaluation
	if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", evalID, err)
	}
	return &e, nil
}

func (s *HTTPStore) List(ctx context.Context, filter ListFilter, page Page) ([]*eval.Evaluation, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	q.Set("offset", strconv.Itoa(page.Offset))
	q.Set("limit", strconv.Itoa(page.Limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/evaluations?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return nil, fmt.Errorf("storage: list: status %d", res.StatusCode)
	}
	var results []*eval.Evaluation
	if err := json.NewDecoder(res.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("storage: decode list: %w", err)
	}
	return results, nil
}
