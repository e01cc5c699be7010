package release

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tarbsd/builder/pkg/errors"
)

// DefaultHTTPTimeout bounds a repository probe.
const DefaultHTTPTimeout = 30 * time.Second

// Prober checks that a pkgbase repository exists before anything is
// installed from it.
type Prober struct {
	client *http.Client
}

// NewProber creates a Prober. A nil client gets DefaultHTTPTimeout.
func NewProber(client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Prober{client: client}
}

// Probe issues a GET against url. 404 means the release does not exist;
// any other non-2xx status or transport failure is a NetworkError too.
func (p *Prober) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}

	slog.Debug("release_probe", "url", url)
	resp, err := p.client.Do(req)
	if err != nil {
		return &errors.NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &errors.NetworkError{URL: url, StatusCode: resp.StatusCode, Err: errors.New("release does not exist")}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &errors.NetworkError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("seems like there's something wrong in %s", pkgbaseDomain),
		}
	}

	slog.Info("release_probe_ok", "url", url, "status", resp.StatusCode)
	return nil
}
