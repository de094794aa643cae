package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-realtime/errs"
	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/state"
)

const reauthTask = "reauth"

func taskKey(channel schema.Channel, name string) string {
	return string(channel) + "/" + name
}

// startTask runs fn under key until it returns or is stopped. It reports false
// when a task with key is already running or the session is closed.
func (s *Session) startTask(key string, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.lifeCtx == nil || s.lifeCtx.Err() != nil {
		return false
	}
	if _, running := s.taskCancels[key]; running {
		return false
	}
	ctx, cancel := context.WithCancel(s.lifeCtx)
	handle := &task{cancel: cancel}
	s.taskCancels[key] = handle

	// spawned under mu so Close cannot start waiting between the check and Go
	s.tasks.Go(func() {
		defer func() {
			cancel()
			s.mu.Lock()
			if s.taskCancels[key] == handle {
				delete(s.taskCancels, key)
			}
			s.mu.Unlock()
		}()
		fn(ctx)
	})
	return true
}

func (s *Session) stopTask(key string) {
	s.mu.Lock()
	handle, ok := s.taskCancels[key]
	if ok {
		delete(s.taskCancels, key)
	}
	s.mu.Unlock()
	if ok {
		handle.cancel()
	}
}

func (s *Session) running(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.taskCancels[key]
	return ok
}

func (s *Session) bootstrapOnce(ctx context.Context) {
	_ = s.bootstrap(ctx)
	s.mu.Lock()
	if s.bootstrapped != nil {
		select {
		case <-s.bootstrapped:
		default:
			close(s.bootstrapped)
		}
	}
	s.mu.Unlock()
}

// bootstrap loads the symbol table. When the exchange is unreachable it falls
// back to the symbols persisted by an earlier run.
func (s *Session) bootstrap(ctx context.Context) error {
	err := s.throttle.Acquire(ctx)
	if err != nil {
		s.metrics.rejected(ctx, "bootstrap")
	} else {
		bootCtx, cancel := context.WithTimeout(ctx, s.cfg.BootstrapTimeout)
		err = s.adapter.Bootstrap(bootCtx)
		cancel()
	}
	if err != nil {
		restored, restoreErr := s.adapter.Cache().RestoreSymbols(ctx)
		if restoreErr == nil && restored > 0 {
			s.logger.Warn("symbol bootstrap failed, using persisted symbols", zap.Int("symbols", restored), zap.Error(err))
			err = nil
		} else {
			err = errs.New(s.adapter.Name(), errs.CodeBootstrap, errs.WithMessage("load symbols"), errs.WithCause(err))
			s.logger.Error("symbol bootstrap failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.bootstrapErr = err
	if err == nil && s.state == StateOpen {
		s.setStateLocked(StateReady)
	}
	s.mu.Unlock()
	return err
}

func (s *Session) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.bootstrap(ctx); err == nil {
				s.logger.Debug("symbols refreshed", zap.Int("symbols", len(s.adapter.Cache().Symbols())))
			}
		}
	}
}

// priceLoop feeds the shared currency price table from retained marks.
func (s *Session) priceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PriceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.adapter.Cache().RefreshPrices(ctx); err != nil {
				s.logger.Warn("currency price refresh failed", zap.Error(err))
			}
		}
	}
}

// watchRefreshNotices reloads symbols persisted by other sessions for the same
// exchange and schema.
func (s *Session) watchRefreshNotices(ctx context.Context) {
	notices, err := s.store.Subscribe(ctx, state.RefreshChannel)
	if err != nil {
		s.logger.Warn("refresh notices unavailable", zap.Error(err))
		return
	}
	cache := s.adapter.Cache()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-notices:
			if !ok {
				return
			}
			var notice state.RefreshNotice
			if err := json.Unmarshal(payload, &notice); err != nil {
				s.logger.Debug("malformed refresh notice", zap.Error(err))
				continue
			}
			if notice.Origin == s.cfg.ID || notice.Exchange != s.adapter.Name() || notice.Schema != cache.Schema() {
				continue
			}
			if n, err := cache.RestoreSymbols(ctx); err != nil {
				s.logger.Warn("reload published symbols", zap.Error(err))
			} else {
				s.logger.Info("symbols reloaded from peer", zap.String("origin", notice.Origin), zap.Int("symbols", n))
			}
		}
	}
}

func (s *Session) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.throttle.Acquire(ctx); err != nil {
				s.metrics.rejected(ctx, "keepalive")
				continue
			}
			if err := s.adapter.KeepAlive(ctx); err != nil {
				s.logger.Warn("keepalive failed", zap.Error(err))
			}
		}
	}
}

// reauthLoop retries authentication after a reconnect could not restore the
// private channels, then puts the parked keys back on the wire.
func (s *Session) reauthLoop(ctx context.Context) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = s.cfg.ReconnectInitial
	backoffCfg.MaxInterval = s.cfg.ReconnectMax
	for {
		wait := backoffCfg.NextBackOff()
		if wait == backoff.Stop {
			wait = backoffCfg.MaxInterval
		}
		if !sleepCtx(ctx, wait) {
			return
		}
		if s.retryAuth(ctx) {
			return
		}
	}
}

// retryAuth reports whether the parked private channels are settled.
func (s *Session) retryAuth(ctx context.Context) bool {
	if err := s.lockControl(ctx); err != nil {
		return true
	}
	defer s.unlockControl()
	if ctx.Err() != nil {
		return true
	}

	s.mu.Lock()
	pending := s.pendingAuth
	if len(pending) == 0 {
		if s.state == StateOpen {
			s.setStateLocked(StateReady)
		}
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	if err := s.authenticate(ctx); err != nil {
		s.logger.Warn("re-authentication failed", zap.Error(err))
		return false
	}
	s.mu.Lock()
	s.pendingAuth = nil
	s.mu.Unlock()

	var err error
	restored := 0
	for _, ch := range schema.Channels() {
		keys, ok := pending[ch]
		if !ok {
			continue
		}
		spec := s.specs[ch]
		for key := range keys {
			err = multierr.Append(err, s.activate(ctx, spec, key, nil, true))
			restored++
		}
	}
	if err != nil {
		s.logger.Warn("private channel restore incomplete", zap.Error(err))
	}
	s.logger.Info("private channels restored", zap.Int("keys", restored))
	return true
}

// pollLoop refreshes a channel's partial state until the channel empties.
func (s *Session) pollLoop(ctx context.Context, spec ChannelSpec) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.throttle.Acquire(ctx); err != nil {
				s.metrics.rejected(ctx, "partial_refresh")
				continue
			}
			err := s.process(ctx, func(ctx context.Context) ([]schema.Envelope, error) {
				return spec.Partial.Refresh(ctx)
			})
			if err != nil {
				s.logger.Warn("partial state refresh failed", zap.String("channel", string(spec.Channel)), zap.Error(err))
			}
		}
	}
}

// watchLoop keeps a watched wildcard channel aligned with the symbol table.
func (s *Session) watchLoop(ctx context.Context, spec ChannelSpec) {
	ticker := time.NewTicker(s.cfg.WatchInterval)
	defer ticker.Stop()
	for {
		if err := s.syncWatched(ctx, spec); err != nil {
			s.logger.Warn("watched channel sync failed", zap.String("channel", string(spec.Channel)), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// seed fetches the REST snapshot for symbol and applies it in stream order,
// retrying until it succeeds or the symbol is unsubscribed.
func (s *Session) seed(spec ChannelSpec, symbol string) {
	s.startTask(taskKey(spec.Channel, "seed:"+symbol), func(ctx context.Context) {
		backoffCfg := backoff.NewExponentialBackOff()
		backoffCfg.InitialInterval = s.cfg.ReconnectInitial
		backoffCfg.MaxInterval = s.cfg.ReconnectMax
		for {
			err := s.throttle.Acquire(ctx)
			if err == nil {
				var apply Apply
				apply, err = s.adapter.Seed(ctx, spec.Channel, symbol)
				if err == nil {
					// a snapshot older than the buffered deltas is fetched again
					if err = s.process(ctx, apply); !resyncs(err, spec.Channel, symbol) {
						return
					}
				}
			}
			wait, limited := errs.RetryAfter(err)
			if !limited || wait <= 0 {
				wait = backoffCfg.NextBackOff()
				if wait == backoff.Stop {
					wait = backoffCfg.MaxInterval
				}
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("seed failed", zap.String("channel", string(spec.Channel)), zap.String("symbol", symbol),
				zap.Duration("retry_in", wait), zap.Error(err))
			if !sleepCtx(ctx, wait) {
				return
			}
		}
	})
}
