package deliver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sweeney/asterisk-shipper/internal/aggregate"
	"github.com/sweeney/asterisk-shipper/internal/deliver"
)

func newClient(url string) *deliver.HTTPClient {
	return deliver.NewHTTPClient(deliver.HTTPOptions{Endpoint: url, APIKey: "test-key"})
}

func TestSubmitAccepted(t *testing.T) {
	var gotAuth, gotType string
	var gotBody struct {
		Calls []*aggregate.CallAggregate `json:"calls"`
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]int{"accepted": 2})
	}))
	defer ts.Close()

	res, err := newClient(ts.URL).Submit(context.Background(),
		[]*aggregate.CallAggregate{agg("L1"), agg("L2")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Accepted != 2 || len(res.Rejected) != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if gotType != "application/json" {
		t.Errorf("unexpected content type %q", gotType)
	}
	if len(gotBody.Calls) != 2 || gotBody.Calls[0].LinkedID != "L1" {
		t.Errorf("unexpected payload: %+v", gotBody.Calls)
	}
}

func TestSubmitEmptyBodyMeansAccepted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	res, err := newClient(ts.URL).Submit(context.Background(),
		[]*aggregate.CallAggregate{agg("L1")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Accepted != 1 {
		t.Errorf("expected whole batch accepted on empty 2xx, got %+v", res)
	}
}

func TestSubmitPartialRejection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"accepted": 1,
			"rejected": []map[string]string{{"linked_id": "L2", "reason": "missing direction"}},
		})
	}))
	defer ts.Close()

	res, err := newClient(ts.URL).Submit(context.Background(),
		[]*aggregate.CallAggregate{agg("L1"), agg("L2")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Accepted != 1 || len(res.Rejected) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Rejected[0].LinkedID != "L2" || res.Rejected[0].Reason != "missing direction" {
		t.Errorf("unexpected rejection: %+v", res.Rejected[0])
	}
}

func TestSubmitClientErrorRejectsBatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	res, err := newClient(ts.URL).Submit(context.Background(),
		[]*aggregate.CallAggregate{agg("L1"), agg("L2")})
	if err != nil {
		t.Fatalf("4xx must not be a retryable error: %v", err)
	}
	if len(res.Rejected) != 2 {
		t.Fatalf("expected whole batch rejected, got %+v", res)
	}
	if !strings.Contains(res.Rejected[0].Reason, "422") ||
		!strings.Contains(res.Rejected[0].Reason, "bad payload") {
		t.Errorf("unexpected rejection reason %q", res.Rejected[0].Reason)
	}
}

func TestSubmitServerErrorIsRetryable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := newClient(ts.URL).Submit(context.Background(),
		[]*aggregate.CallAggregate{agg("L1")})
	if err == nil {
		t.Fatal("expected retryable error for 5xx")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("expected status in error, got %q", err)
	}
}

func TestSubmitConnectionErrorIsRetryable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close()

	_, err := newClient(ts.URL).Submit(context.Background(),
		[]*aggregate.CallAggregate{agg("L1")})
	if err == nil {
		t.Fatal("expected error for refused connection")
	}
}
