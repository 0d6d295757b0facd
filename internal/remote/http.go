package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
	maxErrorBodyBytes     = 4096

	opFetch  = "fetch"
	opUpsert = "upsert"
	opDelete = "delete"
	opReset  = "reset"
	opFeed   = "feed"
)

var errMissingBaseURL = errors.New("remote: base url is required")

// HTTPClientConfig describes how to reach the remote store.
type HTTPClientConfig struct {
	BaseURL        string
	Token          string
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration
	Logger         *zap.Logger
}

// HTTPClient talks to the remote store API and multiplexes one change feed per user
// across every table subscription.
type HTTPClient struct {
	baseURL        *url.URL
	token          string
	httpClient     *http.Client
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	logger         *zap.Logger

	mu    sync.Mutex
	feeds map[string]*feed
}

type rowsEnvelope struct {
	Rows json.RawMessage `json:"rows"`
}

// NewHTTPClient validates the configuration and constructs a client.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported base url scheme %q", parsed.Scheme)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:        parsed,
		token:          strings.TrimSpace(cfg.Token),
		httpClient:     httpClient,
		dialer:         dialer,
		reconnectDelay: delay,
		logger:         logger,
		feeds:          make(map[string]*feed),
	}, nil
}

// Reset deletes every row of the authenticated user.
func (c *HTTPClient) Reset(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	_, err := c.do(ctx, opReset, "", http.MethodPost, "/v1/reset", nil)
	return err
}

// Close stops every change feed.
func (c *HTTPClient) Close() {
	c.mu.Lock()
	feeds := make([]*feed, 0, len(c.feeds))
	for userID, f := range c.feeds {
		feeds = append(feeds, f)
		delete(c.feeds, userID)
	}
	c.mu.Unlock()
	for _, f := range feeds {
		f.stop()
	}
}

func (c *HTTPClient) fetchRows(ctx context.Context, table string) (json.RawMessage, error) {
	body, err := c.do(ctx, opFetch, table, http.MethodGet, tablePath(table), nil)
	if err != nil {
		return nil, err
	}
	var envelope rowsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &RequestError{Op: opFetch, Table: table, Err: fmt.Errorf("%w: %v", ErrInvalidResponse, err)}
	}
	return envelope.Rows, nil
}

func (c *HTTPClient) upsertRows(ctx context.Context, table string, rows any) error {
	payload, err := json.Marshal(struct {
		Rows any `json:"rows"`
	}{Rows: rows})
	if err != nil {
		return &RequestError{Op: opUpsert, Table: table, Err: err}
	}
	_, err = c.do(ctx, opUpsert, table, http.MethodPost, tablePath(table), payload)
	return err
}

func (c *HTTPClient) deleteRow(ctx context.Context, table, key string) error {
	_, err := c.do(ctx, opDelete, table, http.MethodDelete, tablePath(table)+"/"+url.PathEscape(key), nil)
	return err
}

func (c *HTTPClient) do(ctx context.Context, op, table, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, &RequestError{Op: op, Table: table, Err: err}
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, &RequestError{Op: op, Table: table, Err: fmt.Errorf("%w: %v", ErrNetworkFailure, err)}
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, &RequestError{Op: op, Table: table, Status: response.StatusCode, Err: fmt.Errorf("%w: %v", ErrNetworkFailure, err)}
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return data, nil
	}
	if len(data) > maxErrorBodyBytes {
		data = data[:maxErrorBodyBytes]
	}
	return nil, &RequestError{
		Op:     op,
		Table:  table,
		Status: response.StatusCode,
		Err:    fmt.Errorf("%w: %s", statusError(response.StatusCode), strings.TrimSpace(string(data))),
	}
}

func statusError(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status >= 500:
		return ErrServerError
	default:
		return ErrRejected
	}
}

func tablePath(table string) string {
	return "/v1/tables/" + url.PathEscape(table)
}

func (c *HTTPClient) feedURL() string {
	target := *c.baseURL
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = strings.TrimRight(target.Path, "/") + "/v1/feed"
	return target.String()
}
