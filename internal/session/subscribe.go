package session

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-realtime/errs"
	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/subscription"
)

// Subscribe registers consumer for channel/symbol. An empty symbol means every
// symbol. The first consumer of a key puts it on the wire; the first consumer
// of a channel with partial state hydrates that state first and fails with
// CodeBootstrap, leaving the registry untouched, when hydration fails.
// Control frame send failures are logged and do not fail the call.
func (s *Session) Subscribe(ctx context.Context, channel schema.Channel, symbol, consumer string) error {
	spec, ok := s.specs[channel]
	if !ok {
		return errs.New(s.adapter.Name(), errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("channel %q not supported", channel)))
	}
	if s.State() == StateClosed {
		return errs.New(s.adapter.Name(), errs.CodeClosed, errs.WithMessage("session closed"))
	}
	if err := s.awaitBootstrap(ctx); err != nil {
		return err
	}
	if err := s.lockControl(ctx); err != nil {
		return err
	}
	defer s.unlockControl()

	if spec.fixed() {
		symbol = subscription.Wildcard
	}
	reg := s.registry.Register(channel, symbol, consumer)
	if !reg.Fresh {
		return nil
	}
	rollback := func() { s.registry.Unregister(channel, reg.Key, consumer) }

	if spec.Auth {
		if err := s.authenticate(ctx); err != nil {
			rollback()
			return err
		}
	}
	if spec.Partial != nil {
		if err := s.initPartial(ctx, spec); err != nil {
			rollback()
			return err
		}
	}
	if err := s.activate(ctx, spec, reg.Key, reg.Absorbed, false); err != nil {
		s.logger.Warn("subscribe not sent", zap.String("channel", string(channel)), zap.String("symbol", reg.Key), zap.Error(err))
	}
	return nil
}

// Unsubscribe removes consumer from channel/symbol. The last consumer of a key
// takes it off the wire; the last consumer of a channel stops its tasks and
// resets its partial state. When a session-owning channel empties the whole
// registry, the session closes.
func (s *Session) Unsubscribe(ctx context.Context, channel schema.Channel, symbol, consumer string) error {
	spec, ok := s.specs[channel]
	if !ok {
		return errs.New(s.adapter.Name(), errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("channel %q not supported", channel)))
	}
	if err := s.lockControl(ctx); err != nil {
		return err
	}
	defer s.unlockControl()

	if spec.fixed() {
		symbol = subscription.Wildcard
	}
	removal := s.registry.Unregister(channel, symbol, consumer)
	if !removal.Empty {
		return nil
	}
	if s.dropPending(channel, removal.Key) {
		s.logger.Debug("released key waiting for re-authentication", zap.String("channel", string(channel)))
	} else if err := s.deactivate(ctx, spec, removal.Key); err != nil {
		s.logger.Warn("unsubscribe not sent", zap.String("channel", string(channel)), zap.String("symbol", removal.Key), zap.Error(err))
	}
	if !removal.ChannelEmpty {
		return nil
	}
	s.stopTask(taskKey(channel, "poll"))
	if spec.Partial != nil {
		s.mu.Lock()
		delete(s.initialized, channel)
		s.mu.Unlock()
		s.processMu.Lock()
		spec.Partial.Reset()
		s.processMu.Unlock()
	}
	if spec.SessionOwning && s.registry.Empty() {
		s.logger.Info("last subscription released, closing session", zap.String("channel", string(channel)))
		return s.Close()
	}
	return nil
}

// dropPending forgets a key parked for re-authentication. Parked keys hold no
// topic reference, so they must not be deactivated.
func (s *Session) dropPending(channel schema.Channel, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.pendingAuth[channel]
	if !ok {
		return false
	}
	if _, parked := keys[key]; !parked {
		return false
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(s.pendingAuth, channel)
	}
	return true
}

func (s *Session) awaitBootstrap(ctx context.Context) error {
	s.mu.Lock()
	done := s.bootstrapped
	s.mu.Unlock()
	if done == nil {
		return errs.New(s.adapter.Name(), errs.CodeClosed, errs.WithMessage("session not open"))
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	err := s.bootstrapErr
	s.mu.Unlock()
	if err == nil {
		return nil
	}
	return s.bootstrap(ctx)
}

func (s *Session) authenticate(ctx context.Context) error {
	s.mu.Lock()
	if s.authenticated {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	s.setStateLocked(StateAuthenticating)
	s.mu.Unlock()

	err := s.throttle.Acquire(ctx)
	if err != nil {
		s.metrics.rejected(ctx, "authenticate")
	} else {
		err = s.adapter.Authenticate(ctx)
	}

	s.mu.Lock()
	if err != nil {
		s.setStateLocked(prev)
		s.mu.Unlock()
		if errs.Is(err, errs.CodeRateLimited) {
			return err
		}
		return errs.New(s.adapter.Name(), errs.CodeAuth, errs.WithMessage("authentication failed"), errs.WithCause(err))
	}
	s.authenticated = true
	s.setStateLocked(StateReady)
	s.mu.Unlock()

	s.startTask("keepalive", s.keepAliveLoop)
	return nil
}

func (s *Session) initPartial(ctx context.Context, spec ChannelSpec) error {
	s.mu.Lock()
	done := s.initialized[spec.Channel]
	s.mu.Unlock()
	if done {
		return nil
	}

	if err := s.throttle.Acquire(ctx); err != nil {
		s.metrics.rejected(ctx, "partial_init")
		return err
	}
	initCtx, cancel := context.WithTimeout(ctx, s.cfg.BootstrapTimeout)
	envelopes, err := spec.Partial.Init(initCtx)
	cancel()
	if err != nil {
		return errs.New(s.adapter.Name(), errs.CodeBootstrap,
			errs.WithMessage(fmt.Sprintf("initialise %s state", spec.Channel)), errs.WithCause(err))
	}

	s.mu.Lock()
	s.initialized[spec.Channel] = true
	s.mu.Unlock()
	s.deliver(ctx, envelopes)
	s.startTask(taskKey(spec.Channel, "poll"), func(ctx context.Context) { s.pollLoop(ctx, spec) })
	return nil
}

// activate puts key on the wire for spec. Absorbed lists concrete symbols a
// fresh wildcard replaced.
func (s *Session) activate(ctx context.Context, spec ChannelSpec, key string, absorbed []string, restoring bool) error {
	switch {
	case spec.fixed():
		return s.acquireTopics(ctx, spec.FixedTopic())
	case key == subscription.Wildcard && !spec.watched():
		err := s.acquireTopics(ctx, spec.WildcardTopic)
		released := make([]string, 0, len(absorbed))
		for _, sym := range absorbed {
			released = append(released, spec.Topic(sym))
		}
		return multierr.Append(err, s.releaseTopics(ctx, released...))
	case key == subscription.Wildcard:
		s.mu.Lock()
		set := make(map[string]struct{}, len(absorbed))
		for _, sym := range absorbed {
			set[sym] = struct{}{}
		}
		s.watched[spec.Channel] = set
		s.mu.Unlock()
		started := s.startTask(taskKey(spec.Channel, "watch"), func(ctx context.Context) { s.watchLoop(ctx, spec) })
		if restoring || !started {
			return s.syncWatched(ctx, spec)
		}
		return nil
	default:
		err := s.acquireTopics(ctx, spec.Topic(key))
		if spec.Seeded {
			s.seed(spec, key)
		}
		return err
	}
}

func (s *Session) deactivate(ctx context.Context, spec ChannelSpec, key string) error {
	switch {
	case spec.fixed():
		return s.releaseTopics(ctx, spec.FixedTopic())
	case key == subscription.Wildcard && !spec.watched():
		return s.releaseTopics(ctx, spec.WildcardTopic)
	case key == subscription.Wildcard:
		s.stopTask(taskKey(spec.Channel, "watch"))
		s.mu.Lock()
		set := s.watched[spec.Channel]
		delete(s.watched, spec.Channel)
		s.mu.Unlock()
		topics := make([]string, 0, len(set))
		for sym := range set {
			s.stopTask(taskKey(spec.Channel, "seed:"+sym))
			topics = append(topics, spec.Topic(sym))
		}
		sort.Strings(topics)
		return s.releaseTopics(ctx, topics...)
	default:
		s.stopTask(taskKey(spec.Channel, "seed:"+key))
		return s.releaseTopics(ctx, spec.Topic(key))
	}
}

// syncWatched reconciles a watched wildcard channel with the cached symbol set.
func (s *Session) syncWatched(ctx context.Context, spec ChannelSpec) error {
	desired := make(map[string]struct{})
	for _, sym := range s.adapter.Cache().Symbols() {
		desired[sym.Symbol] = struct{}{}
	}

	s.mu.Lock()
	set, ok := s.watched[spec.Channel]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	var added, removed []string
	for sym := range desired {
		if _, have := set[sym]; !have {
			set[sym] = struct{}{}
			added = append(added, sym)
		}
	}
	for sym := range set {
		if _, keep := desired[sym]; !keep {
			delete(set, sym)
			removed = append(removed, sym)
		}
	}
	s.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	if len(added) > 0 || len(removed) > 0 {
		s.logger.Debug("watched symbols changed", zap.String("channel", string(spec.Channel)),
			zap.Int("added", len(added)), zap.Int("removed", len(removed)))
	}

	err := s.acquireTopics(ctx, topicsFor(spec, added)...)
	for _, sym := range removed {
		s.stopTask(taskKey(spec.Channel, "seed:"+sym))
	}
	err = multierr.Append(err, s.releaseTopics(ctx, topicsFor(spec, removed)...))
	if spec.Seeded {
		for _, sym := range added {
			s.seed(spec, sym)
		}
	}
	return err
}

func topicsFor(spec ChannelSpec, symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, spec.Topic(sym))
	}
	return out
}

// acquireTopics increments topic refcounts and subscribes those that became live.
func (s *Session) acquireTopics(ctx context.Context, topics ...string) error {
	s.mu.Lock()
	var send []string
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		s.topics[topic]++
		if s.topics[topic] == 1 {
			send = append(send, topic)
		}
	}
	conn := s.conn
	s.mu.Unlock()
	if len(send) == 0 || conn == nil {
		return nil
	}
	return s.sendControl(ctx, conn, MethodSubscribe, send)
}

// releaseTopics decrements topic refcounts and unsubscribes those that reached zero.
func (s *Session) releaseTopics(ctx context.Context, topics ...string) error {
	s.mu.Lock()
	var send []string
	for _, topic := range topics {
		count, ok := s.topics[topic]
		if !ok {
			continue
		}
		if count <= 1 {
			delete(s.topics, topic)
			send = append(send, topic)
			continue
		}
		s.topics[topic] = count - 1
	}
	conn := s.conn
	s.mu.Unlock()
	if len(send) == 0 || conn == nil {
		return nil
	}
	return s.sendControl(ctx, conn, MethodUnsubscribe, send)
}

// Topics returns the live wire topics and their reference counts.
func (s *Session) Topics() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.topics))
	for k, v := range s.topics {
		out[k] = v
	}
	return out
}
