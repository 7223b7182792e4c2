package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/codepr/crucible/internal/dlq"
	"github.com/codepr/crucible/internal/events"
	"github.com/codepr/crucible/internal/lifecycle"
	"github.com/codepr/crucible/internal/queue"
	"github.com/codepr/crucible/internal/storage"
)

type fakeEnqueuer struct{}

func (f *fakeEnqueuer) Publish(m queue.Message) error { return nil }

type failingEnqueuer struct{}

func (f *failingEnqueuer) Publish(m queue.Message) error {
	return fmt.Errorf("amqp: channel/connection is not open")
}

type fakePublisher struct{}

func (f *fakePublisher) Publish(ctx context.Context, e events.Event) error { return nil }

func testServer() *Server {
	logger := log.New(os.Stderr, "test: ", 0)
	ctl := lifecycle.New(storage.NewMemory(), &fakeEnqueuer{}, &fakePublisher{}, nil, logger)
	// dlq.Queue over an unconnected client: the lifecycle routes exercised
	// below never reach it.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	q := dlq.New(rdb)
	return New("127.0.0.1:0", ctl, q, nil, WebhookConfig{}, logger)
}

func TestSubmitGetListRoundTrip(t *testing.T) {
	s := testServer()

	body, _ := json.Marshal(submitRequestBody{
		Code:        "print(1)",
		Language:    "python",
		Engine:      "python3.11",
		TimeoutSecs: 5,
	})
	req := httptest.NewRequest(http.MethodPost, "/eval/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	id := resp["eval_id"]
	if id == "" {
		t.Fatal("expected a non-empty eval_id")
	}
	if resp["status"] != "queued" {
		t.Fatalf("expected status=queued in submit response, got %+v", resp)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/eval/"+id, nil)
	getRec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d: %s", getRec.Code, getRec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/evaluations?status=queued", nil)
	listRec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on list, got %d", listRec.Code)
	}
}

func TestSubmitReturns400OnValidationError(t *testing.T) {
	s := testServer()
	body, _ := json.Marshal(submitRequestBody{Code: "", TimeoutSecs: 5})
	req := httptest.NewRequest(http.MethodPost, "/eval/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty code, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitReturns503OnDownstreamCapacityFailure(t *testing.T) {
	logger := log.New(os.Stderr, "test: ", 0)
	ctl := lifecycle.New(storage.NewMemory(), &failingEnqueuer{}, &fakePublisher{}, nil, logger)
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	q := dlq.New(rdb)
	s := New("127.0.0.1:0", ctl, q, nil, WebhookConfig{}, logger)

	body, _ := json.Marshal(submitRequestBody{Code: "print(1)", TimeoutSecs: 5})
	req := httptest.NewRequest(http.MethodPost, "/eval/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on enqueue failure, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsRouteServesPrometheusExposition(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on /metrics, got %d", rec.Code)
	}
}

func TestWebhookRouteUnregisteredWithoutSecret(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unregistered webhook route, got %d", rec.Code)
	}
}

func TestWebhookRouteRejectsBadSignature(t *testing.T) {
	logger := log.New(os.Stderr, "test: ", 0)
	ctl := lifecycle.New(storage.NewMemory(), &fakeEnqueuer{}, &fakePublisher{}, nil, logger)
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	q := dlq.New(rdb)
	s := New("127.0.0.1:0", ctl, q, nil, WebhookConfig{Secret: "s3cr3t", EntryPath: "main.py"}, logger)

	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Hub-Signature", "sha1=bogus")
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad webhook signature, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetMissingEvaluationReturns404(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/eval/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelQueuedEvaluationSucceeds(t *testing.T) {
	s := testServer()

	body, _ := json.Marshal(submitRequestBody{Code: "x", TimeoutSecs: 5})
	submitReq := httptest.NewRequest(http.MethodPost, "/eval/", bytes.NewReader(body))
	submitRec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(submitRec, submitReq)
	var resp map[string]string
	json.Unmarshal(submitRec.Body.Bytes(), &resp)

	cancelReq := httptest.NewRequest(http.MethodDelete, "/eval/"+resp["eval_id"], nil)
	cancelRec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(cancelRec, cancelReq)
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on cancel, got %d: %s", cancelRec.Code, cancelRec.Body.String())
	}
}
