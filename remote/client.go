package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avenhart/pulseboard/config"
)

// Error kinds reported by sources. The refresh controller uses them to label
// telemetry and to decide how a failure surfaces.
const (
	KindNetwork = "network"
	KindDecode  = "decode"
)

// Error classifies a failed fetch.
type Error struct {
	Kind  string
	Query string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %s error: %v", e.Query, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Kind extracts the error kind from a fetch failure, defaulting to network.
func Kind(err error) string {
	var fetchErr *Error
	if errors.As(err, &fetchErr) {
		return fetchErr.Kind
	}
	return KindNetwork
}

// Source retrieves the current snapshot payload for a query.
//
// A successful fetch returns the raw response body; any other outcome is an
// *Error carrying the failure kind.
type Source interface {
	Fetch(ctx context.Context, query config.QueryConfig) (json.RawMessage, error)
}

// SourceFactory constructs a Source from endpoint configuration. It allows
// alternative transports to be wired into the service without coupling the
// controller to concrete types.
type SourceFactory func(cfg config.EndpointConfig) (Source, error)

type httpSource struct {
	base    *url.URL
	headers map[string]string
	client  *http.Client
}

// NewHTTPSource creates a Source speaking JSON over HTTP against the
// configured base URL. Success means a 2xx response with a JSON body.
func NewHTTPSource(cfg config.EndpointConfig) (Source, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("endpoint base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint base url: %w", err)
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpSource{
		base:    base,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (s *httpSource) Fetch(ctx context.Context, query config.QueryConfig) (json.RawMessage, error) {
	target := *s.base
	target.Path = strings.TrimRight(target.Path, "/") + "/" + strings.TrimLeft(query.Path, "/")
	if len(query.Params) > 0 {
		values := target.Query()
		for key, value := range query.Params {
			values.Set(key, value)
		}
		target.RawQuery = values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Query: query.ID, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Query: query.ID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &Error{Kind: KindNetwork, Query: query.ID, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Query: query.ID, Err: err}
	}
	if !json.Valid(body) {
		return nil, &Error{Kind: KindDecode, Query: query.ID, Err: errors.New("response body is not valid JSON")}
	}
	return body, nil
}
