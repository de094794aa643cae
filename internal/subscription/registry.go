// Package subscription tracks which consumers want which symbols on which channels.
package subscription

import (
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
)

// Wildcard is the symbol key meaning every symbol on a channel.
const Wildcard = "*"

// Registration describes the outcome of Register.
type Registration struct {
	// Key is the effective symbol key: the literal symbol or Wildcard.
	Key string
	// Fresh is true when Key had no consumers before this call.
	Fresh bool
	// ChannelFresh is true when the channel had no entries before this call.
	ChannelFresh bool
	// Absorbed lists concrete symbols merged into Wildcard by this call.
	Absorbed []string
}

// Removal describes the outcome of Unregister.
type Removal struct {
	Key string
	// Empty is true when Key lost its last consumer.
	Empty bool
	// ChannelEmpty is true when the channel has no entries left.
	ChannelEmpty bool
}

// Snapshot is a deep copy of the registry: channel -> symbol key -> consumer ids.
type Snapshot map[schema.Channel]map[string][]string

// Registry maps channel -> symbol -> consumer ids. Registering Wildcard on a
// channel absorbs its concrete symbols, and later concrete registrations on
// that channel fold into Wildcard.
type Registry struct {
	mu       sync.RWMutex
	channels map[schema.Channel]map[string]map[string]struct{}
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[schema.Channel]map[string]map[string]struct{})}
}

// NormalizeSymbol maps an empty symbol to Wildcard.
func NormalizeSymbol(symbol string) string {
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return Wildcard
	}
	return trimmed
}

// Register adds consumer to (channel, symbol).
func (r *Registry) Register(channel schema.Channel, symbol, consumer string) Registration {
	symbol = NormalizeSymbol(symbol)
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.channels[channel]
	if !ok {
		entries = make(map[string]map[string]struct{})
		r.channels[channel] = entries
	}
	out := Registration{Key: symbol, ChannelFresh: len(entries) == 0}

	if all, ok := entries[Wildcard]; ok {
		out.Key = Wildcard
		all[consumer] = struct{}{}
		return out
	}

	if symbol == Wildcard {
		merged := make(map[string]struct{}, 1)
		for sym, consumers := range entries {
			for id := range consumers {
				merged[id] = struct{}{}
			}
			out.Absorbed = append(out.Absorbed, sym)
			delete(entries, sym)
		}
		sort.Strings(out.Absorbed)
		merged[consumer] = struct{}{}
		entries[Wildcard] = merged
		out.Fresh = true
		return out
	}

	consumers, ok := entries[symbol]
	if !ok {
		consumers = make(map[string]struct{}, 1)
		entries[symbol] = consumers
		out.Fresh = true
	}
	consumers[consumer] = struct{}{}
	return out
}

// Unregister removes consumer from (channel, symbol). A concrete symbol absorbed
// into Wildcard resolves to the Wildcard entry.
func (r *Registry) Unregister(channel schema.Channel, symbol, consumer string) Removal {
	symbol = NormalizeSymbol(symbol)
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.channels[channel]
	if !ok {
		return Removal{Key: symbol, ChannelEmpty: true}
	}
	key := symbol
	if _, ok := entries[Wildcard]; ok {
		key = Wildcard
	}
	out := Removal{Key: key}
	consumers, ok := entries[key]
	if !ok {
		out.ChannelEmpty = len(entries) == 0
		return out
	}
	if _, ok := consumers[consumer]; !ok {
		return out
	}
	delete(consumers, consumer)
	if len(consumers) == 0 {
		delete(entries, key)
		out.Empty = true
	}
	if len(entries) == 0 {
		delete(r.channels, channel)
		out.ChannelEmpty = true
	}
	return out
}

// Has reports whether symbol is wanted on channel, directly or through Wildcard.
func (r *Registry) Has(channel schema.Channel, symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.channels[channel]
	if _, ok := entries[Wildcard]; ok {
		return true
	}
	_, ok := entries[NormalizeSymbol(symbol)]
	return ok
}

// Consumers returns the consumer ids registered on the effective key of symbol.
func (r *Registry) Consumers(channel schema.Channel, symbol string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.channels[channel]
	consumers, ok := entries[Wildcard]
	if !ok {
		consumers = entries[NormalizeSymbol(symbol)]
	}
	return sortedKeys(consumers)
}

// Channels lists channels with at least one entry.
func (r *Registry) Channels() []schema.Channel {
	r.mu.RLock()
	out := make([]schema.Channel, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Symbols lists the symbol keys registered on channel.
func (r *Registry) Symbols(channel schema.Channel) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.channels[channel])
}

// Empty reports whether no channel has entries.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels) == 0
}

// Snapshot returns a deep copy for reconnect restore.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(Snapshot, len(r.channels))
	for ch, entries := range r.channels {
		symbols := make(map[string][]string, len(entries))
		for sym, consumers := range entries {
			symbols[sym] = sortedKeys(consumers)
		}
		out[ch] = symbols
	}
	return out
}

// Clear drops every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.channels = make(map[schema.Channel]map[string]map[string]struct{})
	r.mu.Unlock()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
