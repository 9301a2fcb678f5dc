// Package ledger records which chats have completed first-contact onboarding.
//
// The ledger is an in-memory set backed by a durable Store. Every insertion
// is written through to the store before MarkIfNew returns, so a restart can
// at worst repeat the one onboarding whose write failed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown ledger backend")

// Store is the durable side of the ledger.
type Store interface {
	// Load returns every persisted chat identifier.
	Load(ctx context.Context) ([]string, error)
	// Add persists one chat identifier. Adding an existing id is not an error.
	Add(ctx context.Context, chatKey string) error
	Close() error
}

// Ledger is the set of onboarded chats. Safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	set    map[string]struct{}
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		set:    make(map[string]struct{}),
		store:  store,
		logger: logger,
	}
}

// Load replaces the in-memory set with the store's contents. A missing or
// unreadable store is logged and leaves the ledger empty; it never fails startup.
func (l *Ledger) Load(ctx context.Context) {
	ids, err := l.store.Load(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.set = make(map[string]struct{}, len(ids))
	if err != nil {
		l.logger.Error("onboarding ledger unreadable, starting empty", "err", err)
		return
	}
	for _, id := range ids {
		l.set[id] = struct{}{}
	}
	l.logger.Info("onboarding ledger loaded", "chats", len(l.set))
}

func (l *Ledger) Has(chatKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.set[chatKey]
	return ok
}

// MarkOnboarded records chatKey. Marking an onboarded chat is a no-op.
func (l *Ledger) MarkOnboarded(ctx context.Context, chatKey string) error {
	_, err := l.MarkIfNew(ctx, chatKey)
	return err
}

// MarkIfNew atomically checks and records chatKey. It reports whether the
// chat was new. The write to the store happens before the lock is released,
// so two concurrent callers for the same chat never both see true.
// A persistence error is returned alongside first=true: the chat is
// onboarded for the rest of this process regardless.
func (l *Ledger) MarkIfNew(ctx context.Context, chatKey string) (first bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.set[chatKey]; ok {
		return false, nil
	}
	l.set[chatKey] = struct{}{}

	if err := l.store.Add(ctx, chatKey); err != nil {
		l.logger.Error("onboarding ledger write failed", "chat", chatKey, "err", err)
		return true, fmt.Errorf("persist %s: %w", chatKey, err)
	}
	return true, nil
}

// List returns the onboarded chats in sorted order.
func (l *Ledger) List() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.set))
	for id := range l.set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.set)
}

func (l *Ledger) Close() error {
	return l.store.Close()
}
