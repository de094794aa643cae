package session

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Control methods.
const (
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
)

// Command is a subscribe or unsubscribe control frame.
type Command struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

// sendControl writes method for params in chunks, pacing frames by the control interval.
func (s *Session) sendControl(ctx context.Context, conn Conn, method string, params []string) error {
	for _, chunk := range chunkParams(params, s.cfg.MaxParams) {
		cmd := Command{Method: method, Params: chunk, ID: s.msgID.Add(1)}
		data, err := json.Marshal(cmd)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", method, err)
		}

		s.controlMu.Lock()
		if err := s.waitControlWindowLocked(ctx); err != nil {
			s.controlMu.Unlock()
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		err = conn.Write(writeCtx, data)
		cancel()
		s.lastControl = time.Now()
		s.controlMu.Unlock()

		if err != nil {
			s.metrics.command(ctx, method, false)
			return fmt.Errorf("write %s: %w", method, err)
		}
		s.metrics.command(ctx, method, true)
		s.logger.Debug("control frame sent", zap.String("method", method), zap.Strings("params", chunk), zap.Uint64("id", cmd.ID))
	}
	return nil
}

func (s *Session) waitControlWindowLocked(ctx context.Context) error {
	if s.lastControl.IsZero() {
		return nil
	}
	wait := time.Until(s.lastControl.Add(s.cfg.ControlInterval))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) resetControlWindow() {
	s.controlMu.Lock()
	s.lastControl = time.Time{}
	s.controlMu.Unlock()
}

func chunkParams(params []string, size int) [][]string {
	if len(params) == 0 {
		return nil
	}
	if size <= 0 || len(params) <= size {
		return [][]string{append([]string(nil), params...)}
	}
	chunks := make([][]string, 0, (len(params)+size-1)/size)
	for start := 0; start < len(params); start += size {
		end := min(start+size, len(params))
		chunks = append(chunks, append([]string(nil), params[start:end]...))
	}
	return chunks
}
