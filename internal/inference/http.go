package inference

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mumuon/rasterrunner/internal/model"
)

// NewHTTPClient tunes a *http.Client's transport the way the teacher's
// s3.go tunes its AWS client transport: generous idle-connection reuse for
// a pool of endpoints hit repeatedly by many tile workers.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// HTTPDetector posts an encoded tile to a URL-addressed inference endpoint
// through a retrying pool. Total 8 attempts, exponential backoff starting
// at 1s and doubling to a 255s cap, per SPEC_FULL.md §4.4. Transport errors,
// non-2xx responses, and JSON decode failures are all swallowed into an
// empty feature collection once retries are exhausted — the tile worker
// must never crash on a malformed or unreachable endpoint.
type HTTPDetector struct {
	Client *http.Client
	URL    string
	Logger *slog.Logger
}

var _ Detector = (*HTTPDetector)(nil)

func NewHTTPDetector(client *http.Client, url string, logger *slog.Logger) *HTTPDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDetector{Client: client, URL: url, Logger: logger}
}

func (d *HTTPDetector) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 255 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, 7), ctx) // 7 retries + the initial attempt = 8 total
}

func (d *HTTPDetector) FindFeatures(ctx context.Context, payload Payload) ([]*model.Feature, error) {
	retries := 0
	var body []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(payload.TileBytes))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := d.Client.Do(req)
		if err != nil {
			retries++
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			retries++
			return fmt.Errorf("http endpoint %s returned status %d", d.URL, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("http endpoint %s returned status %d", d.URL, resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(op, d.backOff(ctx)); err != nil {
		d.Logger.Warn("http detector exhausted retries, returning empty feature collection",
			"url", d.URL, "retries", retries, "error", err)
		return nil, nil
	}

	features, err := featuresFromGeoJSON(body)
	if err != nil {
		d.Logger.Warn("http detector received malformed response, returning empty feature collection",
			"url", d.URL, "error", err)
		return nil, nil
	}
	return features, nil
}
