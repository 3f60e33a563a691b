package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lanterndocs/lantern/internal/dispatch"
)

// Handler abstracts the dispatch layer for testability. The real
// implementation is *dispatch.Dispatcher.
type Handler interface {
	Handle(ctx context.Context, ev dispatch.Event) (string, error)
}

// handleTimeout bounds how long a single inbound message may be
// processed (backend call + reply send).
const handleTimeout = 2 * time.Minute

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// Config holds the dependencies for a Bridge.
type Config struct {
	Transport Transport
	Handler   Handler
	Logger    *slog.Logger
	RateLimit int // per sender per minute; 0 = unlimited
	// PlainReplies disables markdown-to-HTML rendering for gateways
	// that only accept plain text.
	PlainReplies bool
}

// Bridge receives messages from the chat gateway, routes them through
// the dispatcher, and sends replies back.
type Bridge struct {
	transport Transport
	handler   Handler
	logger    *slog.Logger
	rateLimit int
	plain     bool

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time

	wg sync.WaitGroup
}

// New creates a chat message bridge.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		transport:   cfg.Transport,
		handler:     cfg.Handler,
		logger:      logger,
		rateLimit:   cfg.RateLimit,
		plain:       cfg.PlainReplies,
		senderTimes: make(map[string][]time.Time),
	}
}

// Run receives messages from the transport and routes them through the
// dispatcher until ctx is cancelled or the message channel closes. It
// waits for in-flight handlers before returning.
func (b *Bridge) Run(ctx context.Context) {
	b.logger.Info("bridge started")
	defer b.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bridge shutting down")
			return
		case in, ok := <-b.transport.Messages():
			if !ok {
				b.logger.Info("message channel closed, bridge stopping")
				return
			}

			if in.Text == "" {
				b.logger.Debug("ignoring empty message", "chat_id", in.ChatID)
				continue
			}
			if in.ChatID == "" {
				b.logger.Debug("ignoring message with empty chat id")
				continue
			}

			if !b.allowSender(in.SenderID) {
				b.logger.Warn("message rate-limited",
					"chat_id", in.ChatID,
					"sender", in.SenderID,
				)
				continue
			}

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleMessage(ctx, in)
			}()
		}
	}
}

// handleMessage processes a single inbound message: routes it through
// the dispatcher and sends the reply back to the chat.
func (b *Bridge) handleMessage(ctx context.Context, in Inbound) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	b.logger.Info("message received",
		"chat_id", in.ChatID,
		"sender", in.SenderID,
		"message_len", len(in.Text),
	)

	// Show the typing indicator before the potentially slow backend
	// call. Best-effort.
	if err := b.transport.SendTyping(ctx, in.ChatID, false); err != nil {
		b.logger.Debug("typing indicator failed", "error", err)
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	reply, err := b.handler.Handle(ctx, dispatch.Event{
		ChatID:       in.ChatID,
		UserNickname: in.SenderNickname,
		Text:         in.Text,
		Timestamp:    ts,
	})

	// Clear the typing indicator regardless of outcome. Use a fresh
	// background context so this cleanup runs even if the handler
	// context has timed out or been cancelled.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if typErr := b.transport.SendTyping(stopCtx, in.ChatID, true); typErr != nil {
		b.logger.Debug("typing stop failed", "error", typErr)
	}

	if err != nil {
		// The dispatcher already logged the cause and returned a
		// user-facing failure message; deliver it like any reply.
		b.logger.Debug("handler returned failure reply", "chat_id", in.ChatID)
	}

	if reply == "" {
		return
	}

	out := reply
	if !b.plain {
		out = renderReply(reply)
	}
	if err := b.transport.SendText(ctx, in.ChatID, out); err != nil {
		b.logger.Error("reply send failed",
			"chat_id", in.ChatID,
			"error", err,
		)
		return
	}

	b.logger.Info("reply sent",
		"chat_id", in.ChatID,
		"reply_len", len(reply),
	)
}

// allowSender checks whether the sender is within the per-minute rate
// limit. Returns true if the message should be processed.
func (b *Bridge) allowSender(senderID string) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	// Prune expired timestamps for this sender.
	timestamps := b.senderTimes[senderID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.senderTimes[senderID] = valid
		return false
	}

	b.senderTimes[senderID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range b.senderTimes {
		if len(timestamps) == 0 {
			delete(b.senderTimes, sender)
			continue
		}
		if timestamps[len(timestamps)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}
