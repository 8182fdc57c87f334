package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"shipchat/network"
)

func (s *Session) onChannelState(change network.StateChange) {
	s.bus.Publish(Event{Kind: EventChannelState, State: change.State, Err: change.Err})

	if change.State != network.StateDisconnected || change.Err == nil {
		return
	}
	if change.UserID != s.userID || !s.options.AutoReconnect {
		return
	}
	s.startReconnect()
}

// startReconnect runs one reconnect worker at a time. Events missed while
// disconnected are not replayed; a thread Refresh is the recovery path.
func (s *Session) startReconnect() {
	s.mu.Lock()
	if s.closed || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		attempt := 0
		for {
			delay := s.backoffForAttempt(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-s.ctx.Done():
				timer.Stop()
				s.mu.Lock()
				s.reconnecting = false
				s.mu.Unlock()
				return
			}

			ctx, cancel := context.WithTimeout(s.ctx, s.options.RequestTimeout)
			err := s.connect(ctx)
			if err != nil {
				cancel()
				attempt++
				s.logger.Debug("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			s.rejoinRooms(ctx)
			cancel()

			s.metrics.Reconnected()
			s.logger.Info("push channel reconnected", zap.Int("attempts", attempt+1))
			return
		}
	}()
}

func (s *Session) backoffForAttempt(attempt int) time.Duration {
	backoff := s.options.ReconnectBackoff
	if len(backoff) == 0 {
		return 0
	}
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}

// rejoinRooms restores one room reference for the list and one per open view.
// Joins requested while reconnecting are skipped by their callers and
// counted here instead; the snapshot and the end of reconnecting share one
// critical section so every reference is joined exactly once.
func (s *Session) rejoinRooms(ctx context.Context) {
	s.mu.Lock()
	s.reconnecting = false
	refs := make(map[string]int, len(s.listRooms)+len(s.views))
	for room := range s.listRooms {
		refs[room]++
	}
	for room, views := range s.views {
		refs[room] += views
	}
	s.mu.Unlock()

	for room, n := range refs {
		for i := 0; i < n; i++ {
			s.joinRoom(ctx, room)
		}
	}
}
