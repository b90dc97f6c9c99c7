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

	"github.com/loykin/heapdumper/internal/history"
)

const defaultTimeout = 5 * time.Second

// Options configures a Sink.
type Options struct {
	// BaseURL is the cluster endpoint, e.g. https://search:9200.
	BaseURL  string
	Index    string
	Username string
	Password string
	// Client overrides the HTTP client; a client with a short timeout is used
	// when nil.
	Client *http.Client
}

// Sink indexes run events as OpenSearch documents. Events carrying a run id
// are written to /<index>/_doc/<run_id> so a retried send does not duplicate
// the document; others are appended with POST /<index>/_doc.
type Sink struct {
	opts Options
}

func New(baseURL, index string) *Sink {
	return NewWithOptions(Options{BaseURL: baseURL, Index: index})
}

func NewWithOptions(opts Options) *Sink {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultTimeout}
	}
	return &Sink{opts: opts}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	method := http.MethodPost
	u := fmt.Sprintf("%s/%s/_doc", s.opts.BaseURL, s.opts.Index)
	if e.Record.RunID != "" {
		method = http.MethodPut
		u += "/" + url.PathEscape(e.Record.RunID)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}

	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
