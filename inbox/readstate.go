package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"shipchat/models"
)

// DefaultMarkTimeout bounds a shared mark-as-read request.
const DefaultMarkTimeout = 15 * time.Second

// Marker is the request/response operation the tracker depends on.
type Marker interface {
	MarkAsRead(ctx context.Context, conversationID string) (models.ReadReceipt, error)
}

// MarkerStore persists read markers locally.
type MarkerStore interface {
	SetReadMarker(conversationID string, readAt time.Time) error
}

// ReadEvent is emitted after a conversation is marked read.
type ReadEvent struct {
	ConversationID string
	ReadAt         time.Time
	Badge          int
}

// TrackerOptions controls runtime behavior of Tracker.
type TrackerOptions struct {
	API     Marker
	Index   *Index
	Cache   MarkerStore
	Logger  *zap.Logger
	Timeout time.Duration
	Now     func() time.Time
	OnRead  func(ReadEvent)
}

// Tracker performs mark-as-read with at most one request in flight per
// conversation.
type Tracker struct {
	api     Marker
	index   *Index
	cache   MarkerStore
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
	onRead  func(ReadEvent)

	group singleflight.Group

	mu       sync.Mutex
	inflight map[string]int
}

// NewTracker creates a read-state tracker.
func NewTracker(options TrackerOptions) (*Tracker, error) {
	if options.API == nil {
		return nil, errors.New("mark-as-read api is required")
	}
	if options.Index == nil {
		return nil, errors.New("conversation index is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = DefaultMarkTimeout
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	return &Tracker{
		api:      options.API,
		index:    options.Index,
		cache:    options.Cache,
		logger:   logger,
		timeout:  timeout,
		now:      now,
		onRead:   options.OnRead,
		inflight: make(map[string]int),
	}, nil
}

// OpenEvent marks a conversation read because a thread view was opened.
// Callers invoke it once per open, never per render.
func (t *Tracker) OpenEvent(ctx context.Context, conversationID string) (models.ReadReceipt, error) {
	t.logger.Debug("thread opened", zap.String("conversation_id", conversationID))
	return t.MarkAsRead(ctx, conversationID)
}

// MarkAsRead asks the server to mark conversationID read. Concurrent calls
// for the same conversation share one request. On success the unread
// counter is zeroed and the badge recomputed in one index update.
func (t *Tracker) MarkAsRead(ctx context.Context, conversationID string) (models.ReadReceipt, error) {
	if conversationID == "" {
		return models.ReadReceipt{}, errors.New("conversation id is required")
	}

	ch := t.group.DoChan(conversationID, func() (any, error) {
		t.setInFlight(conversationID, 1)
		defer t.setInFlight(conversationID, -1)

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
		defer cancel()
		return t.markAsRead(callCtx, conversationID)
	})

	select {
	case result := <-ch:
		if result.Err != nil {
			return models.ReadReceipt{}, result.Err
		}
		return result.Val.(models.ReadReceipt), nil
	case <-ctx.Done():
		return models.ReadReceipt{}, ctx.Err()
	}
}

// InFlight reports whether a mark-as-read request is pending for conversationID.
func (t *Tracker) InFlight(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight[conversationID] > 0
}

func (t *Tracker) markAsRead(ctx context.Context, conversationID string) (models.ReadReceipt, error) {
	receipt, err := t.api.MarkAsRead(ctx, conversationID)
	if err != nil {
		return models.ReadReceipt{}, fmt.Errorf("mark as read: %w", err)
	}
	if receipt.ConversationID == "" {
		receipt.ConversationID = conversationID
	}
	if receipt.ReadAt.IsZero() {
		receipt.ReadAt = t.now()
	}

	badge := t.index.ApplyRead(conversationID, receipt.ReadAt)
	if t.cache != nil {
		if err := t.cache.SetReadMarker(conversationID, receipt.ReadAt); err != nil {
			t.logger.Warn("persist read marker failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	if t.onRead != nil {
		t.onRead(ReadEvent{ConversationID: conversationID, ReadAt: receipt.ReadAt, Badge: badge})
	}
	return receipt, nil
}

func (t *Tracker) setInFlight(conversationID string, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[conversationID] += delta
	if t.inflight[conversationID] <= 0 {
		delete(t.inflight, conversationID)
	}
}
