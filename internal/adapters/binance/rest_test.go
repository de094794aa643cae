package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-realtime/errs"
	"github.com/coachpo/meltica-realtime/internal/domain/schema"
)

type stubSigner struct{ err error }

func (s stubSigner) Sign(params url.Values) error {
	if s.err != nil {
		return s.err
	}
	params.Set("timestamp", "1700000000000")
	params.Set("signature", "deadbeef")
	return nil
}

func newRESTServer(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewHTTPClient(Options{
		Config: Config{APIKey: "api-key", RESTBaseURL: srv.URL},
		Signer: stubSigner{},
	})
	return client, srv
}

func TestHTTPClientPublicRequest(t *testing.T) {
	client, _ := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/fapi/v1/depth", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		require.Equal(t, "1000", r.URL.Query().Get("limit"))
		require.Empty(t, r.URL.Query().Get("signature"))
		_, _ = w.Write([]byte(`{"lastUpdateId":1}`))
	})
	body, err := client.Depth(context.Background(), "BTCUSDT", 1000)
	require.NoError(t, err)
	require.JSONEq(t, `{"lastUpdateId":1}`, string(body))
}

func TestHTTPClientSignsPrivateRequests(t *testing.T) {
	client, _ := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v2/positionRisk", r.URL.Path)
		require.Equal(t, "api-key", r.Header.Get("X-MBX-APIKEY"))
		require.Equal(t, "deadbeef", r.URL.Query().Get("signature"))
		_, _ = w.Write([]byte(`[]`))
	})
	_, err := client.Positions(context.Background())
	require.NoError(t, err)
}

func TestHTTPClientListenKeyLifecycle(t *testing.T) {
	var methods []string
	client, _ := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/listenKey", r.URL.Path)
		require.Equal(t, "api-key", r.Header.Get("X-MBX-APIKEY"))
		methods = append(methods, r.Method)
		_, _ = w.Write([]byte(`{"listenKey":"abc"}`))
	})
	_, err := client.StartUserStream(context.Background())
	require.NoError(t, err)
	require.NoError(t, client.KeepAliveUserStream(context.Background()))
	require.Equal(t, []string{http.MethodPost, http.MethodPut}, methods)
}

func TestHTTPClientRequiresSigner(t *testing.T) {
	client := NewHTTPClient(Options{Config: Config{RESTBaseURL: "http://127.0.0.1:1"}})
	_, err := client.Account(context.Background())
	require.True(t, errs.Is(err, errs.CodeAuth))

	client = NewHTTPClient(Options{Config: Config{RESTBaseURL: "http://127.0.0.1:1"}, Signer: stubSigner{err: errors.New("no secret")}})
	_, err = client.Account(context.Background())
	require.True(t, errs.Is(err, errs.CodeAuth))
}

func TestHTTPClientMapsStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		header string
		body   string
		code   errs.Code
	}{
		{"rate limited", http.StatusTooManyRequests, "3", `{"code":-1003,"msg":"Too many requests"}`, errs.CodeRateLimited},
		{"banned", http.StatusTeapot, "", ``, errs.CodeRateLimited},
		{"unauthorized", http.StatusUnauthorized, "", `{"code":-2015,"msg":"Invalid API-key"}`, errs.CodeAuth},
		{"bad request", http.StatusBadRequest, "", `{"code":-1121,"msg":"Invalid symbol."}`, errs.CodeInvalid},
		{"server error", http.StatusBadGateway, "", `oops`, errs.CodeExchange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newRESTServer(t, func(w http.ResponseWriter, _ *http.Request) {
				if tc.header != "" {
					w.Header().Set("Retry-After", tc.header)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := client.ExchangeInfo(context.Background())
			require.Error(t, err)
			require.True(t, errs.Is(err, tc.code), "got %v", err)
		})
	}
}

func TestHTTPClientRetryAfter(t *testing.T) {
	client, _ := newRESTServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := client.ExchangeInfo(context.Background())
	wait, ok := errs.RetryAfter(err)
	require.True(t, ok)
	require.Equal(t, 3*time.Second, wait)

	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, http.StatusTooManyRequests, e.HTTP)
}

func TestHTTPClientInverseEndpoints(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()
	client := NewHTTPClient(Options{Config: Config{Schema: schema.SchemaInverse, RESTBaseURL: srv.URL}, Signer: stubSigner{}})
	_, err := client.LeverageBrackets(context.Background())
	require.NoError(t, err)
	require.Equal(t, "/dapi/v2/leverageBracket", path)
}

func TestRetryAfterHeader(t *testing.T) {
	require.Equal(t, 5*time.Second, retryAfter("5"))
	require.Equal(t, time.Second, retryAfter(""))
	require.Equal(t, time.Second, retryAfter("soon"))
}
