package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-realtime/errs"
)

// REST is the exchange's request/response surface. Each call returns the
// exchange-native JSON body.
type REST interface {
	ExchangeInfo(ctx context.Context) ([]byte, error)
	Account(ctx context.Context) ([]byte, error)
	Positions(ctx context.Context) ([]byte, error)
	LeverageBrackets(ctx context.Context) ([]byte, error)
	Depth(ctx context.Context, symbol string, limit int) ([]byte, error)
	StartUserStream(ctx context.Context) ([]byte, error)
	KeepAliveUserStream(ctx context.Context) error
}

// Signer authenticates private requests by adding its parameters (timestamp,
// signature) to the query.
type Signer interface {
	Sign(params url.Values) error
}

// HTTPClient implements REST over net/http.
type HTTPClient struct {
	opts   Options
	client *http.Client
}

// NewHTTPClient builds a REST client from adapter options.
func NewHTTPClient(opts Options) *HTTPClient {
	opts = withDefaults(opts)
	client := opts.HTTPClient
	if client == nil {
		client = new(http.Client)
		client.Timeout = opts.Config.HTTPTimeout
	}
	return &HTTPClient{opts: opts, client: client}
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *HTTPClient) ExchangeInfo(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.opts.metadata.exchangeInfoPath, nil, false)
}

func (c *HTTPClient) Account(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.opts.metadata.accountPath, url.Values{}, true)
}

func (c *HTTPClient) Positions(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.opts.metadata.positionsPath, url.Values{}, true)
}

func (c *HTTPClient) LeverageBrackets(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.opts.metadata.bracketsPath, url.Values{}, true)
}

func (c *HTTPClient) Depth(ctx context.Context, symbol string, limit int) ([]byte, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	return c.do(ctx, http.MethodGet, c.opts.metadata.depthPath, params, false)
}

func (c *HTTPClient) StartUserStream(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodPost, c.opts.metadata.listenKeyPath, nil, false)
}

func (c *HTTPClient) KeepAliveUserStream(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPut, c.opts.metadata.listenKeyPath, nil, false)
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	endpoint := c.opts.restEndpoint(path)
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("binance: rest endpoint not configured")
	}
	if signed {
		if c.opts.Signer == nil {
			return nil, errs.New(exchangeName, errs.CodeAuth, errs.WithMessage("signer required for "+path))
		}
		if err := c.opts.Signer.Sign(params); err != nil {
			return nil, errs.New(exchangeName, errs.CodeAuth, errs.WithMessage("sign request"), errs.WithCause(err))
		}
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Config.HTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", path, err)
	}
	if key := strings.TrimSpace(c.opts.Config.APIKey); key != "" {
		req.Header.Set("X-MBX-APIKEY", key)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.New(exchangeName, errs.CodeNetwork, errs.WithMessage("request "+path), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(exchangeName, errs.CodeNetwork, errs.WithMessage("read "+path), errs.WithCause(err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, statusError(path, resp, body)
}

func statusError(path string, resp *http.Response, body []byte) error {
	var payload apiError
	_ = json.Unmarshal(body, &payload)
	opts := []errs.Option{
		errs.WithHTTP(resp.StatusCode),
		errs.WithMessage(fmt.Sprintf("%s status %d", path, resp.StatusCode)),
	}
	if payload.Code != 0 {
		opts = append(opts, errs.WithRawCode(strconv.Itoa(payload.Code)))
	}
	if msg := strings.TrimSpace(payload.Msg); msg != "" {
		opts = append(opts, errs.WithRawMessage(msg))
	} else if len(body) > 0 {
		opts = append(opts, errs.WithRawMessage(strings.TrimSpace(string(body[:min(len(body), 4<<10)]))))
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusTeapot:
		return errs.RateLimited(exchangeName, retryAfter(resp.Header.Get("Retry-After")), opts...)
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.New(exchangeName, errs.CodeAuth, opts...)
	case http.StatusBadRequest:
		return errs.New(exchangeName, errs.CodeInvalid, opts...)
	default:
		return errs.New(exchangeName, errs.CodeExchange, opts...)
	}
}

func retryAfter(header string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds <= 0 {
		return time.Second
	}
	return time.Duration(seconds) * time.Second
}
