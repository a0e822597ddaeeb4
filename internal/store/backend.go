package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Backend persists encoded records. Implementations do no locking of their
// own; the Store serializes writers per id.
type Backend interface {
	Exists(ctx context.Context, id string) (bool, error)
	Load(ctx context.Context, id string) (Record, error)
	LoadAll(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, record Record) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// Locker is implemented by backends that several processes may share. The
// Store takes the backend lock after its own, so an id has one live Edit
// across every process using the backend. Lock reports false when another
// holder has the id.
type Locker interface {
	Lock(ctx context.Context, id, token string) (bool, error)
	Unlock(ctx context.Context, id, token string) error
}

const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

type Options struct {
	Driver   string
	Path     string
	RedisURL string
	// LockTTL bounds how long a shared backend lock outlives a crashed
	// holder. Zero uses DefaultLockTTL.
	LockTTL time.Duration
}

// OpenBackend opens the backend named by opts.Driver, defaulting to sqlite.
func OpenBackend(ctx context.Context, opts Options) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverSQLite:
		return openSQLite(ctx, opts.Path)
	case DriverRedis:
		return openRedis(ctx, opts.RedisURL, opts.LockTTL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
