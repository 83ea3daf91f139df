package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
)

// HTTPPublisher POSTs the aggregate to a result UI endpoint. The
// bounded retry policy is publisher-internal: the controller never
// retries a publish.
type HTTPPublisher struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPPublisher(endpoint, token string) *HTTPPublisher {
	return &HTTPPublisher{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPPublisher) Publish(ctx context.Context, agg Aggregate) error {
	body, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encoding aggregate: %w", err)
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			if p.token != "" {
				req.Header.Set("Authorization", "Bearer "+p.token)
			}

			resp, err := p.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 500 {
				return fmt.Errorf("publisher returned %s", resp.Status)
			}
			if resp.StatusCode >= 400 {
				return retry.Unrecoverable(fmt.Errorf("publisher rejected aggregate: %s", resp.Status))
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
	)
}
