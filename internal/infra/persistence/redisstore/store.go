// Package redisstore implements persistence.Store on Redis hashes.
package redisstore

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/coachpo/meltica-realtime/internal/infra/persistence"
)

const scanBatch = 256

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store keeps each key as a hash whose fields hold JSON-encoded values.
type Store struct {
	client redis.UniversalClient
}

var _ persistence.Store = (*Store)(nil)

// New wraps an existing client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Dial connects and pings the server.
func Dial(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return New(client), nil
}

// Get reads the hash stored at the scoped key.
func (s *Store) Get(ctx context.Context, key string, scope ...string) (map[string]any, error) {
	fields, err := s.client.HGetAll(ctx, persistence.Key(key, scope...)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	return decodeFields(fields), nil
}

// Set writes every field with a single HSET, which merges into the existing hash.
func (s *Store) Set(ctx context.Context, key string, value map[string]any) error {
	if len(value) == 0 {
		return nil
	}
	args := make([]any, 0, len(value)*2)
	for field, v := range value {
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode field %s: %w", field, err)
		}
		args = append(args, field, string(encoded))
	}
	if err := s.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

// GetPattern scans keys with the prefix and reads them in one pipeline.
func (s *Store) GetPattern(ctx context.Context, prefix string) (map[string]map[string]any, error) {
	match := escapeGlob(prefix) + "*"
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	out := make(map[string]map[string]any, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline: %w", err)
	}
	for key, cmd := range cmds {
		out[key] = decodeFields(cmd.Val())
	}
	return out, nil
}

// Publish sends payload on a Redis channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe forwards channel messages until ctx is done.
func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decodeFields(fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for field, raw := range fields {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			out[field] = raw
			continue
		}
		out[field] = v
	}
	return out
}

func escapeGlob(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(prefix)
}
