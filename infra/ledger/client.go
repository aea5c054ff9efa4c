// Package ledger is the HTTP client for the external order system of record.
package ledger

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

	"github.com/kilianp07/lastmile/auth"
	coreledger "github.com/kilianp07/lastmile/core/ledger"
	"github.com/kilianp07/lastmile/core/model"
)

// Config locates the ledger API.
type Config struct {
	BaseURL        string    `json:"base_url"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	Auth           auth.Conf `json:"auth"`
}

// Client implements core/ledger.Ledger over JSON/HTTP. Calls are made once;
// transport failures and non 2xx answers surface as infrastructure errors.
type Client struct {
	base *url.URL
	http *http.Client
	cred auth.Credential
}

var _ coreledger.Ledger = (*Client)(nil)

// New builds the ledger for cfg. An empty base URL yields ledger.Nop.
func New(cfg Config) (coreledger.Ledger, error) {
	if cfg.BaseURL == "" {
		return coreledger.Nop{}, nil
	}
	return NewClient(cfg, auth.New(cfg.Auth))
}

// NewClient creates a client. cred may be nil for an unauthenticated ledger.
func NewClient(cfg Config, cred auth.Credential) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ledger: invalid base url %q", cfg.BaseURL)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{base: u, http: &http.Client{Timeout: timeout}, cred: cred}, nil
}

type statusUpdate struct {
	ProcessStatus model.OrderStatus `json:"process_status"`
	StoreStatus   string            `json:"store_status,omitempty"`
	DriverID      string            `json:"driver_id,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// FetchOrder reads the order to dispatch. A 404 is reported as NotFound.
func (c *Client) FetchOrder(ctx context.Context, orderID string) (model.NewOrder, error) {
	const op = "ledger.fetch"
	var o model.NewOrder
	status, err := c.do(ctx, http.MethodGet, c.path("orders", orderID), nil, &o)
	if status == http.StatusNotFound {
		return model.NewOrder{}, model.NotFound(op, "order %s not found in ledger", orderID)
	}
	if err != nil {
		return model.NewOrder{}, model.Infrastructure(op, err)
	}
	if o.ID == "" {
		o.ID = orderID
	}
	return o, nil
}

func (c *Client) UpdateOrder(ctx context.Context, orderID string, processStatus model.OrderStatus, storeStatus, driverID string) error {
	body := statusUpdate{ProcessStatus: processStatus, StoreStatus: storeStatus, DriverID: driverID}
	if _, err := c.do(ctx, http.MethodPut, c.path("orders", orderID, "status"), body, nil); err != nil {
		return model.Infrastructure("ledger.update", err)
	}
	return nil
}

func (c *Client) CompleteOrder(ctx context.Context, orderID string) error {
	if _, err := c.do(ctx, http.MethodPost, c.path("orders", orderID, "complete"), nil, nil); err != nil {
		return model.Infrastructure("ledger.complete", err)
	}
	return nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID, reason string) error {
	if _, err := c.do(ctx, http.MethodPost, c.path("orders", orderID, "cancel"), cancelRequest{Reason: reason}, nil); err != nil {
		return model.Infrastructure("ledger.cancel", err)
	}
	return nil
}

func (c *Client) path(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

// do performs one request and decodes a 2xx body into out when non-nil. The
// status code is returned whenever a response was received.
func (c *Client) do(ctx context.Context, method, target string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cred != nil {
		if err := c.cred.SetAuthHeader(req); err != nil {
			return 0, err
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %s", method, target, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
