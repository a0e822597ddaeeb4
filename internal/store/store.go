package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const unlockTimeout = 5 * time.Second

// Store owns the persisted digest records and the per-id edit locks. At
// most one Edit per id is live at a time. The lock table covers this
// process; a backend that implements Locker extends it to every process
// sharing the backend.
type Store struct {
	backend Backend
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]string
}

func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	backend, err := OpenBackend(ctx, opts)
	if err != nil {
		return nil, err
	}
	return New(backend, logger), nil
}

func New(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		logger:  logger,
		locks:   make(map[string]string),
	}
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	exists, err := s.backend.Exists(ctx, id)
	if err != nil {
		return false, persistenceError(err)
	}
	return exists, nil
}

// Get returns a snapshot of the persisted record without taking its lock.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	record, err := s.backend.Load(ctx, id)
	if err != nil {
		return Record{}, persistenceError(err)
	}
	return record, nil
}

// GetAll returns a snapshot of every record ordered by id. Locked records are
// included as last committed.
func (s *Store) GetAll(ctx context.Context) ([]Record, error) {
	records, err := s.backend.LoadAll(ctx)
	if err != nil {
		return nil, persistenceError(err)
	}
	return records, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	records, err := s.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Create locks id for a record that does not exist yet. Nothing is
// persisted until Commit.
func (s *Store) Create(ctx context.Context, id string) (*Edit, error) {
	token, err := s.reserve(ctx, id)
	if err != nil {
		return nil, err
	}
	exists, err := s.backend.Exists(ctx, id)
	if err != nil {
		s.unlock(id, token)
		return nil, persistenceError(err)
	}
	if exists {
		s.unlock(id, token)
		return nil, fmt.Errorf("create %q: %w", id, ErrAlreadyExists)
	}
	return newEdit(id, token, NewRecord(id)), nil
}

// Edit locks an existing record for mutation.
func (s *Store) Edit(ctx context.Context, id string) (*Edit, error) {
	token, err := s.reserve(ctx, id)
	if err != nil {
		return nil, err
	}
	record, err := s.backend.Load(ctx, id)
	if err != nil {
		s.unlock(id, token)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("edit %q: %w", id, ErrNotFound)
		}
		return nil, persistenceError(err)
	}
	return newEdit(id, token, record), nil
}

// Commit persists the edit and releases its lock. A backend failure leaves
// the edit active; the caller's Release cancels it.
func (s *Store) Commit(ctx context.Context, edit *Edit) error {
	if !s.active(edit) {
		s.logger.Warn("commit on closed digest edit", "id", edit.ID())
		return ErrClosedEdit
	}
	if err := s.backend.Save(ctx, edit.record.Clone()); err != nil {
		return persistenceError(err)
	}
	s.resolve(edit)
	return nil
}

// Cancel discards the edit's changes and releases its lock.
func (s *Store) Cancel(edit *Edit) error {
	if !s.active(edit) {
		s.logger.Warn("cancel on closed digest edit", "id", edit.ID())
		return ErrClosedEdit
	}
	s.resolve(edit)
	return nil
}

// Remove deletes the record and releases its lock.
func (s *Store) Remove(ctx context.Context, edit *Edit) error {
	if !s.active(edit) {
		s.logger.Warn("remove on closed digest edit", "id", edit.ID())
		return ErrClosedEdit
	}
	if err := s.backend.Delete(ctx, edit.ID()); err != nil {
		return persistenceError(err)
	}
	s.resolve(edit)
	return nil
}

// Release cancels edit if it is still active. Pair every Create or Edit with
// a deferred Release.
func (s *Store) Release(edit *Edit) {
	if edit == nil || !s.active(edit) {
		return
	}
	s.logger.Debug("releasing unresolved digest edit", "id", edit.ID())
	s.resolve(edit)
}

func (s *Store) reserve(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	if _, held := s.locks[id]; held {
		s.mu.Unlock()
		return "", fmt.Errorf("lock %q: %w", id, ErrInUse)
	}
	token := uuid.NewString()
	s.locks[id] = token
	s.mu.Unlock()

	locker, ok := s.backend.(Locker)
	if !ok {
		return token, nil
	}
	acquired, err := locker.Lock(ctx, id, token)
	if err != nil || !acquired {
		s.mu.Lock()
		if s.locks[id] == token {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
	if err != nil {
		return "", persistenceError(err)
	}
	if !acquired {
		return "", fmt.Errorf("lock %q: held by another process: %w", id, ErrInUse)
	}
	return token, nil
}

func (s *Store) unlock(id, token string) {
	s.mu.Lock()
	owned := s.locks[id] == token
	if owned {
		delete(s.locks, id)
	}
	s.mu.Unlock()
	if owned {
		s.unlockBackend(id, token)
	}
}

func (s *Store) active(edit *Edit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return edit.active && s.locks[edit.ID()] == edit.token
}

func (s *Store) resolve(edit *Edit) {
	s.mu.Lock()
	owned := s.locks[edit.ID()] == edit.token
	if owned {
		delete(s.locks, edit.ID())
	}
	edit.active = false
	s.mu.Unlock()
	if owned {
		s.unlockBackend(edit.ID(), edit.token)
	}
}

// unlockBackend drops the shared lock. A failure only delays other holders
// until the lock expires.
func (s *Store) unlockBackend(id, token string) {
	locker, ok := s.backend.(Locker)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	if err := locker.Unlock(ctx, id, token); err != nil {
		s.logger.Warn("release shared digest lock", "id", id, "error", err)
	}
}

func persistenceError(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
