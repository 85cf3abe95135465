package monitor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultProbeTimeout = 10 * time.Second

// Prober issues HTTP health probes against a deployment's health URL.
type Prober struct {
	client *http.Client
}

// NewProber builds a prober with the given per-request timeout.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Prober{client: &http.Client{Timeout: timeout}}
}

// Probe issues a GET against url and reports any non-2xx/3xx answer, a
// timeout, or a connection failure as an error.
func (p *Prober) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", url, err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}
