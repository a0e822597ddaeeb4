package testsupport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.io/infrasutra/digestd/internal/store"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MustOpenStore opens an in-memory sqlite store and registers cleanup.
func MustOpenStore(t testing.TB) *store.Store {
	t.Helper()

	st, err := store.Open(context.Background(), store.Options{Driver: store.DriverSQLite}, Logger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// MustGet loads a record and fails the test if it is missing.
func MustGet(t testing.TB, st *store.Store, id string) store.Record {
	t.Helper()

	record, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("store.Get(%q): %v", id, err)
	}
	return record
}

// Backend operations a FlakyBackend can fail.
const (
	OpExists = "exists"
	OpLoad   = "load"
	OpSave   = "save"
	OpDelete = "delete"
)

// FlakyBackend wraps a real backend and fails chosen operations on demand.
type FlakyBackend struct {
	store.Backend

	mu   sync.Mutex
	errs map[string]error
	// stale inverts the next Exists, as if the record changed right after
	// the check.
	stale bool
}

// Fail makes op return err until Fail(op, nil) is called.
func (b *FlakyBackend) Fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.errs == nil {
		b.errs = make(map[string]error)
	}
	if err == nil {
		delete(b.errs, op)
		return
	}
	b.errs[op] = err
}

// StaleExistsOnce makes the next Exists report the opposite of the truth.
func (b *FlakyBackend) StaleExistsOnce() {
	b.mu.Lock()
	b.stale = true
	b.mu.Unlock()
}

func (b *FlakyBackend) failure(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errs[op]
}

func (b *FlakyBackend) Exists(ctx context.Context, id string) (bool, error) {
	if err := b.failure(OpExists); err != nil {
		return false, err
	}
	exists, err := b.Backend.Exists(ctx, id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil && b.stale {
		exists = !exists
		b.stale = false
	}
	return exists, err
}

func (b *FlakyBackend) Load(ctx context.Context, id string) (store.Record, error) {
	if err := b.failure(OpLoad); err != nil {
		return store.Record{}, err
	}
	return b.Backend.Load(ctx, id)
}

func (b *FlakyBackend) Save(ctx context.Context, record store.Record) error {
	if err := b.failure(OpSave); err != nil {
		return err
	}
	return b.Backend.Save(ctx, record)
}

func (b *FlakyBackend) Delete(ctx context.Context, id string) error {
	if err := b.failure(OpDelete); err != nil {
		return err
	}
	return b.Backend.Delete(ctx, id)
}

// MustOpenFlakyStore opens an in-memory sqlite store behind a FlakyBackend.
func MustOpenFlakyStore(t testing.TB) (*store.Store, *FlakyBackend) {
	t.Helper()

	inner, err := store.OpenBackend(context.Background(), store.Options{Driver: store.DriverSQLite})
	if err != nil {
		t.Fatalf("store.OpenBackend: %v", err)
	}
	backend := &FlakyBackend{Backend: inner}
	st := store.New(backend, Logger())
	t.Cleanup(func() {
		st.Close()
	})
	return st, backend
}
