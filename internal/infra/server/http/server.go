// Package httpserver exposes the gateway control API: health, session status
// and runtime subscription management.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/meltica-realtime/errs"
	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/session"
	"github.com/coachpo/meltica-realtime/internal/subscription"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath          = "/healthz"
	sessionsPath        = "/sessions"
	sessionDetailPrefix = sessionsPath + "/"
	subscriptionsAction = "subscriptions"
)

// Session is the part of a gateway session the control API drives.
type Session interface {
	ID() string
	State() session.State
	Registry() *subscription.Registry
	Topics() map[string]int
	Subscribe(ctx context.Context, channel schema.Channel, symbol, consumer string) error
	Unsubscribe(ctx context.Context, channel schema.Channel, symbol, consumer string) error
}

// Entry names a session for listing.
type Entry struct {
	Key     string
	Session Session
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment string
	entries     []Entry
	byID        map[string]Entry
}

type sessionPayload struct {
	ID            string                `json:"id"`
	Key           string                `json:"key"`
	State         string                `json:"state"`
	Subscriptions subscription.Snapshot `json:"subscriptions"`
	Topics        map[string]int        `json:"topics"`
}

type subscriptionPayload struct {
	Channel  string `json:"channel"`
	Symbol   string `json:"symbol"`
	Consumer string `json:"consumer"`
}

// NewHandler creates the control API handler over entries.
func NewHandler(environment string, entries []Entry) http.Handler {
	server := &httpServer{environment: environment, byID: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if e.Session == nil {
			continue
		}
		server.entries = append(server.entries, e)
		server.byID[e.Session.ID()] = e
	}
	sort.Slice(server.entries, func(i, j int) bool { return server.entries[i].Key < server.entries[j].Key })

	mux := http.NewServeMux()
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(sessionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listSessions,
	}))
	mux.Handle(sessionDetailPrefix, http.HandlerFunc(server.handleSession))
	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	ready := 0
	for _, e := range s.entries {
		if e.Session.State() == session.StateReady {
			ready++
		}
	}
	status := "ok"
	if ready < len(s.entries) {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"environment": s.environment,
		"sessions":    len(s.entries),
		"ready":       ready,
	})
}

func (s *httpServer) listSessions(w http.ResponseWriter, _ *http.Request) {
	out := make([]sessionPayload, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, describe(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func describe(e Entry) sessionPayload {
	return sessionPayload{
		ID:            e.Session.ID(),
		Key:           e.Key,
		State:         e.Session.State().String(),
		Subscriptions: e.Session.Registry().Snapshot(),
		Topics:        e.Session.Topics(),
	}
}

func (s *httpServer) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, sessionDetailPrefix), "/")
	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "session id required")
		return
	}
	entry, ok := s.byID[id]
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		writeJSON(w, http.StatusOK, describe(entry))
		return
	}
	if strings.TrimSpace(action) != subscriptionsAction {
		writeError(w, http.StatusNotFound, "unsupported action")
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.subscribe(w, r, entry)
	case http.MethodDelete:
		s.unsubscribe(w, r, entry)
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodPost)
	}
}

func (s *httpServer) subscribe(w http.ResponseWriter, r *http.Request, entry Entry) {
	limitRequestBody(w, r)
	payload, channel, err := decodeSubscription(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.Consumer == "" {
		payload.Consumer = uuid.NewString()
	}
	if err := entry.Session.Subscribe(r.Context(), channel, payload.Symbol, payload.Consumer); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *httpServer) unsubscribe(w http.ResponseWriter, r *http.Request, entry Entry) {
	limitRequestBody(w, r)
	payload, channel, err := decodeSubscription(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if payload.Consumer == "" {
		writeError(w, http.StatusBadRequest, "consumer required")
		return
	}
	if err := entry.Session.Unsubscribe(r.Context(), channel, payload.Symbol, payload.Consumer); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "consumer": payload.Consumer})
}

func decodeSubscription(r *http.Request) (subscriptionPayload, schema.Channel, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload subscriptionPayload
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return payload, "", fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return payload, "", fmt.Errorf("decode payload: %w", err)
	}
	channel, err := schema.ParseChannel(payload.Channel)
	if err != nil {
		return payload, "", err
	}
	payload.Channel = string(channel)
	payload.Symbol = subscription.NormalizeSymbol(payload.Symbol)
	payload.Consumer = strings.TrimSpace(payload.Consumer)
	return payload, channel, nil
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errs.Is(err, errs.CodeInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.Is(err, errs.CodeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errs.Is(err, errs.CodeClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errs.Is(err, errs.CodeAuth):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errs.Is(err, errs.CodeRateLimited):
		if wait, ok := errs.RetryAfter(err); ok {
			seconds := int(wait.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
