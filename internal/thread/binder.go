// Package thread binds chats to remote conversation threads. A thread
// is created lazily on a chat's first context-dependent interaction
// and recorded in the store; the binding survives restarts while the
// thread itself expires server-side on inactivity.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lanterndocs/lantern/internal/store"
)

// Creator is the remote side of thread creation. *assistant.Client
// implements it.
type Creator interface {
	CreateThread(ctx context.Context, nameHint string, ttlDays int) (string, error)
}

// BindingStore is the persistence surface the binder needs.
// *store.Store implements it.
type BindingStore interface {
	GetBinding(chatID string) (string, error)
	Exists(chatID string) (bool, error)
	CreateBinding(chatID, threadID string) error
	UpdateBinding(chatID, threadID string) error
}

// CreateError reports a failed remote thread creation. No store state
// is touched when it occurs.
type CreateError struct {
	ChatID string
	Err    error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create thread for chat %s: %v", e.ChatID, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// Binder resolves a chat's thread, creating one when needed.
//
// Operations on the same chat serialize on a per-chat mutex held for
// the whole read-or-create-then-persist sequence, so two concurrent
// first contacts cannot both create remote threads in-process. The
// store's UNIQUE constraint still backs this up: if another process
// sharing the database wins the insert, the loser re-reads the winning
// binding and abandons its own thread (which expires on the service's
// inactivity TTL).
type Binder struct {
	store   BindingStore
	creator Creator
	ttlDays int
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per chat; grows with chat count, never shrinks
}

// NewBinder creates a binder. ttlDays is the inactivity TTL for new
// threads.
func NewBinder(s BindingStore, c Creator, ttlDays int, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		store:   s,
		creator: c,
		ttlDays: ttlDays,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (b *Binder) chatLock(chatID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[chatID] = l
	}
	return l
}

// EnsureThread returns the chat's thread ID, creating and persisting a
// thread if the chat has none. The fast path (binding exists) makes no
// remote calls. The returned value is always re-read from the store
// after any write, so interleaved writers resolve consistently.
func (b *Binder) EnsureThread(ctx context.Context, chatID string) (string, error) {
	l := b.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	threadID, err := b.store.GetBinding(chatID)
	if err == nil {
		return threadID, nil
	}
	if !errors.Is(err, store.ErrNoBinding) {
		return "", fmt.Errorf("look up binding for chat %s: %w", chatID, err)
	}

	created, err := b.creator.CreateThread(ctx, "chat-"+chatID, b.ttlDays)
	if err != nil {
		return "", &CreateError{ChatID: chatID, Err: err}
	}

	if err := b.store.CreateBinding(chatID, created); err != nil {
		if errors.Is(err, store.ErrDuplicateChat) {
			// Another writer got there first. Use its binding; our
			// thread is orphaned and will expire on its own.
			b.logger.Warn("lost thread-create race, using existing binding",
				"chat_id", chatID,
				"orphaned_thread_id", created,
			)
			return b.store.GetBinding(chatID)
		}
		return "", fmt.Errorf("persist binding for chat %s: %w", chatID, err)
	}

	b.logger.Info("thread bound", "chat_id", chatID, "thread_id", created)
	return b.store.GetBinding(chatID)
}

// ForceNewThread creates a fresh remote thread and rebinds the chat to
// it, replacing any existing binding. Continuity with the old thread
// is intentionally lost; its history is not migrated.
func (b *Binder) ForceNewThread(ctx context.Context, chatID string) (string, error) {
	l := b.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	created, err := b.creator.CreateThread(ctx, "chat-"+chatID, b.ttlDays)
	if err != nil {
		return "", &CreateError{ChatID: chatID, Err: err}
	}

	exists, err := b.store.Exists(chatID)
	if err != nil {
		return "", fmt.Errorf("check chat %s: %w", chatID, err)
	}

	if exists {
		err = b.store.UpdateBinding(chatID, created)
	} else {
		err = b.store.CreateBinding(chatID, created)
		if errors.Is(err, store.ErrDuplicateChat) {
			// Raced with a writer in another process; rebind means
			// our thread should still win.
			err = b.store.UpdateBinding(chatID, created)
		}
	}
	if err != nil {
		return "", fmt.Errorf("rebind chat %s: %w", chatID, err)
	}

	b.logger.Info("thread rebound", "chat_id", chatID, "thread_id", created)
	return b.store.GetBinding(chatID)
}
