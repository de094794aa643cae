// Package session owns one exchange connection: its lifecycle state machine,
// the wire subscriptions derived from the subscription registry, the
// background tasks that keep REST-hydrated state fresh, and reconnect with
// subscription restore.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-realtime/errs"
	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/infra/logging"
	"github.com/coachpo/meltica-realtime/internal/infra/persistence"
	"github.com/coachpo/meltica-realtime/internal/infra/sink"
	"github.com/coachpo/meltica-realtime/internal/subscription"
	"github.com/coachpo/meltica-realtime/internal/throttle"
)

// Config tunes session timing.
type Config struct {
	// ID identifies this session in refresh notices. Generated when empty.
	ID                string
	PingInterval      time.Duration
	WatchInterval     time.Duration
	PollInterval      time.Duration
	RefreshInterval   time.Duration
	PriceInterval     time.Duration
	KeepAliveInterval time.Duration
	BootstrapTimeout  time.Duration
	WriteTimeout      time.Duration
	ControlInterval   time.Duration
	MaxParams         int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 30 * time.Minute
	}
	if c.PriceInterval <= 0 {
		c.PriceInterval = 30 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Minute
	}
	if c.BootstrapTimeout <= 0 {
		c.BootstrapTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ControlInterval <= 0 {
		c.ControlInterval = 250 * time.Millisecond
	}
	if c.MaxParams <= 0 {
		c.MaxParams = 100
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}

// Options wires a session.
type Options struct {
	Config   Config
	Adapter  Adapter
	Dialer   Dialer
	Throttle *throttle.Throttle
	Registry *subscription.Registry
	Sink     sink.Sink
	// Store, when set, carries symbol refresh notices between sessions.
	Store   persistence.Store
	Logger  *zap.Logger
	Metrics *Metrics
}

// Session is a single exchange connection.
type Session struct {
	cfg      Config
	adapter  Adapter
	specs    map[schema.Channel]ChannelSpec
	dialer   Dialer
	throttle *throttle.Throttle
	registry *subscription.Registry
	sink     sink.Sink
	store    persistence.Store
	logger   *zap.Logger
	metrics  *Metrics

	// ctl serializes subscribe, unsubscribe and restore.
	ctl chan struct{}

	mu            sync.Mutex
	state         State
	conn          Conn
	lifeCtx       context.Context
	lifeCancel    context.CancelFunc
	tasks         *conc.WaitGroup
	taskCancels   map[string]*task
	topics        map[string]int
	watched       map[schema.Channel]map[string]struct{}
	initialized   map[schema.Channel]bool
	authenticated bool
	bootstrapped  chan struct{}
	bootstrapErr  error

	// pendingAuth holds restored keys waiting for a successful re-authentication.
	pendingAuth map[schema.Channel]map[string]struct{}

	// processMu orders pipeline work between wire frames and REST-seeded state.
	processMu sync.Mutex

	controlMu   sync.Mutex
	lastControl time.Time
	msgID       atomic.Uint64
}

type task struct {
	cancel context.CancelFunc
}

// New validates options and builds a closed session.
func New(opts Options) (*Session, error) {
	if opts.Adapter == nil {
		return nil, errors.New("session: adapter required")
	}
	if opts.Sink == nil {
		return nil, errors.New("session: sink required")
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Throttle == nil {
		opts.Throttle = throttle.New(opts.Adapter.Name(), 0, 1, 0)
	}
	if opts.Registry == nil {
		opts.Registry = subscription.NewRegistry()
	}
	cfg := opts.Config.withDefaults()
	specs := make(map[schema.Channel]ChannelSpec)
	for _, spec := range opts.Adapter.Channels() {
		specs[spec.Channel] = spec
	}
	logger := logging.OrNop(opts.Logger).With(
		zap.String("exchange", opts.Adapter.Name()),
		zap.String("session", cfg.ID),
	)
	return &Session{
		cfg:         cfg,
		adapter:     opts.Adapter,
		specs:       specs,
		dialer:      opts.Dialer,
		throttle:    opts.Throttle,
		registry:    opts.Registry,
		sink:        opts.Sink,
		store:       opts.Store,
		logger:      logger,
		metrics:     opts.Metrics,
		ctl:         make(chan struct{}, 1),
		state:       StateClosed,
		taskCancels: make(map[string]*task),
		topics:      make(map[string]int),
		watched:     make(map[schema.Channel]map[string]struct{}),
		initialized: make(map[schema.Channel]bool),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.ID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Registry returns the subscription registry the session derives wire state from.
func (s *Session) Registry() *subscription.Registry { return s.registry }

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.logger.Debug("session state", zap.Stringer("from", s.state), zap.Stringer("to", next))
	s.state = next
	s.metrics.transition(context.Background(), next)
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.setStateLocked(next)
	s.mu.Unlock()
}

// Open dials the exchange and starts symbol bootstrap. Subscriptions wait for
// bootstrap before touching the wire.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return errs.New(s.adapter.Name(), errs.CodeInvalid, errs.WithMessage("session already open"))
	}
	s.setStateLocked(StateOpening)
	s.mu.Unlock()

	if err := s.throttle.TryAcquire(); err != nil {
		s.metrics.rejected(ctx, "open")
		s.setState(StateClosed)
		return err
	}
	conn, err := s.dialer.Dial(ctx, s.adapter.URL())
	if err != nil {
		s.setState(StateClosed)
		return errs.New(s.adapter.Name(), errs.CodeNetwork, errs.WithMessage("dial failed"), errs.WithCause(err))
	}

	lifeCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.lifeCtx = lifeCtx
	s.lifeCancel = cancel
	s.tasks = &conc.WaitGroup{}
	s.bootstrapped = make(chan struct{})
	s.bootstrapErr = nil
	s.mu.Unlock()

	s.attach(conn)
	s.logger.Info("session opened", zap.String("url", s.adapter.URL()))

	s.startTask("bootstrap", s.bootstrapOnce)
	s.startTask("symbols-refresh", s.refreshLoop)
	s.startTask("prices", s.priceLoop)
	if s.store != nil {
		s.startTask("refresh-notices", s.watchRefreshNotices)
	}
	return nil
}

// attach installs conn as the live connection and starts its read and ping loops.
func (s *Session) attach(conn Conn) bool {
	s.resetControlWindow()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.lifeCtx == nil || s.lifeCtx.Err() != nil {
		_ = conn.Close()
		return false
	}
	connCtx, cancel := context.WithCancel(s.lifeCtx)
	s.conn = conn
	if s.state != StateReconnecting {
		s.setStateLocked(StateOpen)
	}
	s.tasks.Go(func() { s.serve(connCtx, cancel, conn) })
	return true
}

func (s *Session) serve(ctx context.Context, cancel context.CancelFunc, conn Conn) {
	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() { errCh <- s.readLoop(ctx, conn) })
	wg.Go(func() { errCh <- s.pingLoop(ctx, conn) })

	cause := <-errCh
	cancel()
	_ = conn.Close()
	wg.Wait()

	s.mu.Lock()
	closed := s.lifeCtx.Err() != nil
	current := s.conn == conn
	s.mu.Unlock()
	if closed || !current {
		return
	}
	s.reconnect(cause)
}

func (s *Session) readLoop(ctx context.Context, conn Conn) error {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.metrics.frame(ctx)
		if err := s.process(ctx, func(ctx context.Context) ([]schema.Envelope, error) {
			return s.adapter.Handle(ctx, frame)
		}); errors.Is(err, ErrReconnect) {
			return err
		}
	}
}

func (s *Session) pingLoop(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// process runs fn under the processing lock and delivers its envelopes in order.
func (s *Session) process(ctx context.Context, fn Apply) error {
	s.processMu.Lock()
	defer s.processMu.Unlock()
	envelopes, err := fn(ctx)
	var resync *ResyncError
	switch {
	case errors.As(err, &resync):
		s.resync(ctx, resync)
	case err != nil && !errors.Is(err, ErrReconnect):
		s.logger.Warn("frame rejected", zap.Error(err))
	}
	s.deliverLocked(ctx, envelopes)
	return err
}

// resync re-seeds the listed symbols that are still on the wire. A symbol
// whose seed is already running is left to that task.
func (s *Session) resync(ctx context.Context, e *ResyncError) {
	spec, ok := s.specs[e.Channel]
	if !ok || !spec.Seeded {
		return
	}
	for _, sym := range e.Symbols {
		s.mu.Lock()
		live := s.topics[spec.Topic(sym)] > 0
		s.mu.Unlock()
		if !live {
			continue
		}
		s.logger.Info("re-seeding out of sequence symbol", zap.String("channel", string(spec.Channel)), zap.String("symbol", sym))
		s.metrics.resynced(ctx, spec.Channel)
		s.seed(spec, sym)
	}
}

func (s *Session) deliverLocked(ctx context.Context, envelopes []schema.Envelope) {
	for _, env := range envelopes {
		if err := s.sink.Deliver(ctx, env); err != nil {
			s.logger.Warn("sink delivery failed", zap.String("table", string(env.Table)), zap.Error(err))
		}
	}
}

func (s *Session) deliver(ctx context.Context, envelopes []schema.Envelope) {
	if len(envelopes) == 0 {
		return
	}
	s.processMu.Lock()
	defer s.processMu.Unlock()
	s.deliverLocked(ctx, envelopes)
}

// reconnect re-dials with exponential backoff and restores every subscription
// present in the registry when the connection dropped.
func (s *Session) reconnect(cause error) {
	ctx := s.lifeContext()
	if err := s.lockControl(ctx); err != nil {
		return
	}
	defer s.unlockControl()

	s.stopTask(reauthTask)
	s.mu.Lock()
	s.conn = nil
	s.authenticated = false
	s.pendingAuth = nil
	s.topics = make(map[string]int)
	for ch := range s.watched {
		s.watched[ch] = make(map[string]struct{})
	}
	s.setStateLocked(StateReconnecting)
	s.mu.Unlock()

	snapshot := s.registry.Snapshot()
	s.logger.Warn("connection lost, reconnecting", zap.Error(cause))

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = s.cfg.ReconnectInitial
	backoffCfg.MaxInterval = s.cfg.ReconnectMax

	var conn Conn
	for conn == nil {
		if err := s.throttle.TryAcquire(); err != nil {
			s.metrics.rejected(ctx, "reconnect")
			delay, _ := errs.RetryAfter(err)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		dialed, err := s.dialer.Dial(ctx, s.adapter.URL())
		if err == nil {
			conn = dialed
			break
		}
		s.metrics.reconnect(ctx, false)
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = backoffCfg.MaxInterval
		}
		s.logger.Warn("reconnect attempt failed", zap.Duration("retry_in", sleep), zap.Error(err))
		if !sleepCtx(ctx, sleep) {
			return
		}
	}
	s.metrics.reconnect(ctx, true)

	s.processMu.Lock()
	s.adapter.Reconnected()
	s.processMu.Unlock()

	if !s.attach(conn) {
		return
	}
	deferred, err := s.restore(ctx, snapshot)
	if err != nil {
		s.logger.Warn("subscription restore incomplete", zap.Error(err))
	}
	s.mu.Lock()
	if s.state == StateReconnecting || s.state == StateOpen {
		if deferred {
			s.setStateLocked(StateOpen)
		} else {
			s.setStateLocked(StateReady)
		}
	}
	s.mu.Unlock()
	s.logger.Info("session reconnected", zap.Int("channels", len(snapshot)))
}

// restore re-sends wire subscriptions for snapshot without touching the
// registry. When authentication fails the public channels are still restored
// and the private ones are parked for the reauth task; deferred reports that.
func (s *Session) restore(ctx context.Context, snapshot subscription.Snapshot) (deferred bool, err error) {
	needsAuth := false
	for ch := range snapshot {
		if spec, ok := s.specs[ch]; ok && spec.Auth {
			needsAuth = true
		}
	}
	authed := true
	if needsAuth {
		if authErr := s.authenticate(ctx); authErr != nil {
			err = authErr
			authed = false
		}
	}
	pending := make(map[schema.Channel]map[string]struct{})
	for _, ch := range schema.Channels() {
		symbols, ok := snapshot[ch]
		if !ok {
			continue
		}
		spec, known := s.specs[ch]
		if !known {
			continue
		}
		if spec.Auth && !authed {
			keys := make(map[string]struct{}, len(symbols))
			for key := range symbols {
				keys[key] = struct{}{}
			}
			pending[ch] = keys
			continue
		}
		for key := range symbols {
			err = multierr.Append(err, s.activate(ctx, spec, key, nil, true))
		}
	}
	if len(pending) == 0 {
		return false, err
	}
	s.mu.Lock()
	s.pendingAuth = pending
	s.mu.Unlock()
	s.startTask(reauthTask, s.reauthLoop)
	return true, err
}

// Close tears the session down: cancels every task, closes the connection and
// clears subscriptions and partial state.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateClosed)
	conn := s.conn
	s.conn = nil
	cancel := s.lifeCancel
	tasks := s.tasks
	s.authenticated = false
	s.pendingAuth = nil
	s.topics = make(map[string]int)
	s.watched = make(map[schema.Channel]map[string]struct{})
	s.initialized = make(map[schema.Channel]bool)
	s.taskCancels = make(map[string]*task)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if tasks != nil {
		tasks.Wait()
	}
	for _, spec := range s.specs {
		if spec.Partial != nil {
			spec.Partial.Reset()
		}
	}
	s.registry.Clear()
	s.logger.Info("session closed")
	return err
}

func (s *Session) lifeContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifeCtx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.lifeCtx
}

func (s *Session) lockControl(ctx context.Context) error {
	select {
	case s.ctl <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) unlockControl() { <-s.ctl }

func (s *Session) currentConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
