// Package cursors publishes the local caret and renders the carets of other sessions.
package cursors

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/collab"
	"github.com/franciszver/lexforge-sub002/internal/timing"
	"go.uber.org/zap"
)

// DefaultThrottleInterval is the minimum spacing between cursor sends.
const DefaultThrottleInterval = 100 * time.Millisecond

var (
	errMissingPublisher = errors.New("cursors: publisher is required")
	errMissingSurface   = errors.New("cursors: surface is required")
	noOpLogger          = zap.NewNop()
)

// Publisher stores the local cursor where other sessions can read it.
type Publisher interface {
	PublishCursor(ctx context.Context, cursor collab.Cursor) bool
}

// Surface is the part of the editor the broadcaster draws on.
type Surface interface {
	Content() string
	ApplyDecorations(decorations []Decoration)
}

// Config describes the dependencies of a Broadcaster.
type Config struct {
	Publisher Publisher
	Surface   Surface
	Clock     timing.Clock
	Logger    *zap.Logger
	Interval  time.Duration
	// SessionID is the local session; its own record is never rendered.
	SessionID collab.SessionID
}

// Broadcaster throttles local cursor sends and renders remote cursors.
type Broadcaster struct {
	publisher Publisher
	surface   Surface
	logger    *zap.Logger
	throttler *timing.Throttler
	sessionID collab.SessionID

	mu       sync.Mutex
	snapshot []collab.SessionRecord
	closed   bool
}

// NewBroadcaster constructs a Broadcaster.
func NewBroadcaster(cfg Config) (*Broadcaster, error) {
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	if cfg.Surface == nil {
		return nil, errMissingSurface
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &Broadcaster{
		publisher: cfg.Publisher,
		surface:   cfg.Surface,
		logger:    logger,
		throttler: timing.NewThrottler(cfg.Clock, interval),
		sessionID: cfg.SessionID,
	}, nil
}

// UpdateCursor schedules a send of the local caret. Calls inside one interval collapse into a
// single send of the latest position, made when the interval ends.
func (b *Broadcaster) UpdateCursor(ctx context.Context, position int, selection *collab.Selection) {
	cursor := collab.Cursor{Position: position}
	if selection != nil {
		copied := *selection
		cursor.Selection = &copied
	}
	b.throttler.Trigger(func() {
		if !b.publisher.PublishCursor(ctx, cursor) {
			b.logger.Debug("cursor send failed",
				zap.String("session_id", b.sessionID.String()),
				zap.Int("position", cursor.Position))
		}
	})
}

// Render replaces the drawn cursors with those of the provided presence snapshot and returns
// the cursors that were drawn.
func (b *Broadcaster) Render(records []collab.SessionRecord) []collab.CursorDatum {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.snapshot = append(b.snapshot[:0], records...)
	b.mu.Unlock()
	return b.draw(records)
}

// Rerender draws the latest snapshot again, clamped to the current content.
func (b *Broadcaster) Rerender() []collab.CursorDatum {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	records := append([]collab.SessionRecord(nil), b.snapshot...)
	b.mu.Unlock()
	return b.draw(records)
}

// Close drops any pending cursor send and stops rendering. It is idempotent.
func (b *Broadcaster) Close() {
	b.throttler.Close()
	b.mu.Lock()
	b.closed = true
	b.snapshot = nil
	b.mu.Unlock()
}

func (b *Broadcaster) draw(records []collab.SessionRecord) []collab.CursorDatum {
	length := DocumentLength(b.surface.Content())
	remote := CursorsFromRecords(records, b.sessionID)
	for index := range remote {
		remote[index] = Clamp(remote[index], length)
	}
	b.surface.ApplyDecorations(BuildDecorations(remote))
	return remote
}
