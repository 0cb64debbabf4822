package detector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPDetector polls an HTTP endpoint; any 2xx answer counts as ready.
// When Body is set the response must also contain it.
type HTTPDetector struct {
	URL    string
	Body   string
	Client *http.Client
}

func (d HTTPDetector) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: 2 * time.Second}
}

func (d HTTPDetector) Ready(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := d.client().Do(req)
	if err != nil {
		// connection refused is the normal state while the backend boots
		return false, nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("health %s: status %d", d.URL, resp.StatusCode)
	}
	if d.Body == "" {
		return true, nil
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, err
	}
	return strings.Contains(string(b), d.Body), nil
}

func (d HTTPDetector) Describe() string { return "http:" + d.URL }
