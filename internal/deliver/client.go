package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sweeney/asterisk-shipper/internal/aggregate"
)

// Rejection is a record the remote API refused as a data/validation error.
type Rejection struct {
	LinkedID string `json:"linked_id"`
	Reason   string `json:"reason"`
}

// Result is the structured outcome of a batch submission. A non-nil error
// from Submit means the failure is retryable (network, timeout, 5xx);
// rejections inside a Result are final and must not be retried.
type Result struct {
	Accepted int
	Rejected []Rejection
}

// Client submits batches of call aggregates to the remote analytics API.
type Client interface {
	Submit(ctx context.Context, batch []*aggregate.CallAggregate) (Result, error)
}

// HTTPClient ships batches to the analytics API over HTTPS with bearer auth.
type HTTPClient struct {
	endpoint  string
	apiKey    string
	userAgent string
	hc        *http.Client
}

// HTTPOptions configures the HTTP delivery client.
type HTTPOptions struct {
	Endpoint  string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// NewHTTPClient creates the delivery client. Timeout bounds every submission;
// a timeout is treated as a retryable failure.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "asterisk-shipper"
	}
	return &HTTPClient{
		endpoint:  opts.Endpoint,
		apiKey:    opts.APIKey,
		userAgent: ua,
		hc:        &http.Client{Timeout: timeout},
	}
}

// submitPayload is the wire shape of a batch.
type submitPayload struct {
	Calls []*aggregate.CallAggregate `json:"calls"`
}

// submitResponse is the structured API answer for partially rejected batches.
type submitResponse struct {
	Accepted int         `json:"accepted"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

func (c *HTTPClient) Submit(ctx context.Context, batch []*aggregate.CallAggregate) (Result, error) {
	body, err := json.Marshal(submitPayload{Calls: batch})
	if err != nil {
		return Result{}, fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("submit batch: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var sr submitResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
			// An empty or non-JSON 2xx body still means the batch landed.
			return Result{Accepted: len(batch)}, nil
		}
		if sr.Accepted == 0 && len(sr.Rejected) == 0 {
			sr.Accepted = len(batch)
		}
		return Result{Accepted: sr.Accepted, Rejected: sr.Rejected}, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Data/validation error: final, never retried.
		msg := readErrorBody(resp.Body)
		rejected := make([]Rejection, len(batch))
		for i, agg := range batch {
			rejected[i] = Rejection{LinkedID: agg.LinkedID, Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, msg)}
		}
		return Result{Rejected: rejected}, nil

	default:
		return Result{}, fmt.Errorf("submit batch: status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(bytes.TrimSpace(data))
}
