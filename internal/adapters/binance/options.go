package binance

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-realtime/internal/calc"
	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/pipeline"
	"github.com/coachpo/meltica-realtime/internal/state"
)

const exchangeName = "binance"

type metadata struct {
	apiBaseURL        string
	websocketURL      string
	exchangeInfoPath  string
	accountPath       string
	positionsPath     string
	bracketsPath      string
	depthPath         string
	listenKeyPath     string
	bracketByQuantity bool
}

var linearMetadata = metadata{
	apiBaseURL:       "https://fapi.binance.com",
	websocketURL:     "wss://fstream.binance.com/stream",
	exchangeInfoPath: "/fapi/v1/exchangeInfo",
	accountPath:      "/fapi/v2/account",
	positionsPath:    "/fapi/v2/positionRisk",
	bracketsPath:     "/fapi/v1/leverageBracket",
	depthPath:        "/fapi/v1/depth",
	listenKeyPath:    "/fapi/v1/listenKey",
}

var inverseMetadata = metadata{
	apiBaseURL:        "https://dapi.binance.com",
	websocketURL:      "wss://dstream.binance.com/stream",
	exchangeInfoPath:  "/dapi/v1/exchangeInfo",
	accountPath:       "/dapi/v1/account",
	positionsPath:     "/dapi/v1/positionRisk",
	bracketsPath:      "/dapi/v2/leverageBracket",
	depthPath:         "/dapi/v1/depth",
	listenKeyPath:     "/dapi/v1/listenKey",
	bracketByQuantity: true,
}

const (
	defaultDepthLimit  = 1000
	defaultHTTPTimeout = 10 * time.Second
	defaultBookBuffer  = 1024

	defaultReferenceCurrency = "USDT"
)

// Config captures user-overridable Binance settings.
type Config struct {
	Schema       schema.ContractSchema
	APIKey       string
	RESTBaseURL  string
	WebsocketURL string
	DepthLimit   int
	HTTPTimeout  time.Duration
	// BookBuffer bounds deltas held per symbol while its snapshot is pending.
	BookBuffer int
	// ReferenceCurrency expresses wallet totals. Defaults to USDT.
	ReferenceCurrency string
}

// Options configure the Binance adapter.
type Options struct {
	Config Config
	Cache  *state.Cache
	// REST defaults to an HTTPClient built from Config.
	REST       REST
	HTTPClient *http.Client
	Signer     Signer
	// Active reports whether a channel has subscribers; nil enables every channel.
	Active      func(schema.Channel) bool
	Multipliers calc.MultiplierTable
	Observer    pipeline.Observer
	// Meter defaults to the global meter provider.
	Meter  metric.MeterProvider
	Logger *zap.Logger
	Clock  func() time.Time

	metadata metadata
}

func withDefaults(in Options) Options {
	if in.Config.Schema == "" {
		in.Config.Schema = schema.SchemaLinear
	}
	in.metadata = linearMetadata
	if in.Config.Schema.Inverse() {
		in.metadata = inverseMetadata
	}
	if strings.TrimSpace(in.Config.RESTBaseURL) != "" {
		in.metadata.apiBaseURL = strings.TrimSpace(in.Config.RESTBaseURL)
	}
	if strings.TrimSpace(in.Config.WebsocketURL) != "" {
		in.metadata.websocketURL = strings.TrimSpace(in.Config.WebsocketURL)
	}
	if in.Config.DepthLimit <= 0 {
		in.Config.DepthLimit = defaultDepthLimit
	}
	if in.Config.HTTPTimeout <= 0 {
		in.Config.HTTPTimeout = defaultHTTPTimeout
	}
	if in.Config.BookBuffer <= 0 {
		in.Config.BookBuffer = defaultBookBuffer
	}
	in.Config.ReferenceCurrency = strings.ToUpper(strings.TrimSpace(in.Config.ReferenceCurrency))
	if in.Config.ReferenceCurrency == "" {
		in.Config.ReferenceCurrency = defaultReferenceCurrency
	}
	if in.Multipliers.Default.IsZero() {
		in.Multipliers = calc.CoinMarginedMultipliers
	}
	if in.Clock == nil {
		in.Clock = time.Now
	}
	return in
}

func (o Options) restEndpoint(path string) string {
	base := strings.TrimSuffix(strings.TrimSpace(o.metadata.apiBaseURL), "/")
	if base == "" {
		return ""
	}
	if strings.TrimSpace(path) == "" {
		return base
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}
