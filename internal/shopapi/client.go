// Package shopapi talks to the TradeMC marketplace API and decodes its purchase payloads.
package shopapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/BTreeMap/TradeBridge/internal/models"
)

// Default client settings
const (
	DefaultBaseURL    = "https://api.trademc.org"
	DefaultAPIVersion = "3"
	DefaultTimeout    = 5 * time.Second
)

// ErrRemote marks failures reported by the marketplace, either as an error
// envelope or a non-2xx status.
var ErrRemote = errors.New("marketplace API error")

// RemoteError is the decoded {"error":{...}} envelope.
type RemoteError struct {
	Code    int64
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("marketplace API error %d: %s", e.Code, e.Message)
	}
	return "marketplace API error: " + e.Message
}

// Is makes errors.Is(err, ErrRemote) match.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// Opts holds configuration options for Client.
type Opts struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
}

// Option defines a configuration option for Client.
type Option func(*Opts)

// WithBaseURL sets the API root, e.g. https://api.trademc.org.
func WithBaseURL(u string) Option {
	return func(o *Opts) {
		o.BaseURL = u
	}
}

// WithAPIVersion sets the v= query parameter.
func WithAPIVersion(v string) Option {
	return func(o *Opts) {
		o.APIVersion = v
	}
}

// WithTimeout sets both the connect and the response header timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// Client is a marketplace API client.
type Client struct {
	http    *resty.Client
	version string
}

// NewClient creates a Client. Unset options fall back to the defaults.
func NewClient(opts ...Option) *Client {
	cfg := Opts{
		BaseURL:    DefaultBaseURL,
		APIVersion: DefaultAPIVersion,
		Timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTransport(transport).
		SetTimeout(2*cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "TradeBridge").
		SetLogger(slogLogger{})

	slog.Debug("shopapi.NewClient: client created", "base_url", cfg.BaseURL, "version", cfg.APIVersion, "timeout", cfg.Timeout)
	return &Client{http: rc, version: cfg.APIVersion}
}

// LastPurchases calls shop.getLastPurchases for the given shops.
func (c *Client) LastPurchases(ctx context.Context, shopIDs []string) ([]models.PurchaseRecord, error) {
	body, err := c.call(ctx, "shop.getLastPurchases", map[string]string{"shops": strings.Join(shopIDs, ",")})
	if err != nil {
		return nil, err
	}
	records, skipped, err := ParsePurchases(body)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		slog.Warn("Client.LastPurchases: malformed purchases skipped", "skipped", skipped)
	}
	return records, nil
}

// Online calls shop.getOnline and returns the raw "response" member.
func (c *Client) Online(ctx context.Context, shopID string) (string, error) {
	body, err := c.call(ctx, "shop.getOnline", map[string]string{"shop": shopID})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "response").Raw, nil
}

func (c *Client) call(ctx context.Context, method string, params map[string]string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetQueryParam("v", c.version).
		Get("/" + method)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}

	body := resp.Body()
	if remote := decodeError(body); remote != nil {
		return nil, fmt.Errorf("%s: %w", method, remote)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%s: %w: http status %d", method, ErrRemote, resp.StatusCode())
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s: %w: response is not valid JSON", method, ErrRemote)
	}
	return body, nil
}

// decodeError returns the remote error envelope, or nil when body has no "error" member.
func decodeError(body []byte) *RemoteError {
	e := gjson.GetBytes(body, "error")
	if !e.Exists() {
		return nil
	}
	msg := e.Get("message").String()
	if msg == "" {
		msg = e.String()
	}
	return &RemoteError{Code: e.Get("code").Int(), Message: msg}
}

// slogLogger routes resty's internal logging through slog.
type slogLogger struct{}

func (slogLogger) Errorf(format string, v ...interface{}) {
	slog.Error("resty: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (slogLogger) Warnf(format string, v ...interface{}) {
	slog.Warn("resty: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (slogLogger) Debugf(format string, v ...interface{}) {
	slog.Debug("resty: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}
