package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/deskhost/internal/history"
)

// Sink indexes backend lifecycle events into OpenSearch over HTTP.
// Events of a run are stored under "<run_id>-<type>" so a resend replaces
// the document instead of duplicating it. Events without a run id (a start
// refused for a missing artifact) get a generated id.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

// document is the flat shape stored per event, so dashboards can filter on
// backend, run and exit code without nested field mappings.
type document struct {
	Timestamp time.Time `json:"@timestamp"`
	Event     string    `json:"event"`
	Backend   string    `json:"backend"`
	RunID     string    `json:"run_id,omitempty"`
	PID       int       `json:"pid,omitempty"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at,omitzero"`
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`
}

func newDocument(e history.Event) document {
	r := e.Record
	return document{
		Timestamp: e.OccurredAt,
		Event:     string(e.Type),
		Backend:   r.Name,
		RunID:     r.RunID,
		PID:       r.PID,
		State:     r.State,
		StartedAt: r.StartedAt,
		ExitCode:  r.ExitCode,
		Error:     r.Error,
	}
}

// DocID returns the document id used for e, or "" when OpenSearch assigns one.
func DocID(e history.Event) string {
	if e.Record.RunID == "" {
		return ""
	}
	return e.Record.RunID + "-" + string(e.Type)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(newDocument(e))
	if err != nil {
		return err
	}
	method, u := http.MethodPost, fmt.Sprintf("%s/%s/_doc", s.baseURL, url.PathEscape(s.index))
	if id := DocID(e); id != "" {
		method, u = http.MethodPut, u+"/"+url.PathEscape(id)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.index, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
