package repository

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/sakif/credential-service/internal/apperror"
	"github.com/sakif/credential-service/internal/model"
)

// DefaultTimeout bounds every store call, and each connection attempt.
const DefaultTimeout = 5 * time.Second

// connectAttempts is how many times the initial connection is tried before
// the request that triggered it fails with StoreUnavailable.
const connectAttempts = 3

// ErrClosed is the cause reported by a Lazy store after Close.
var ErrClosed = errors.New("store is closed")

// Opener connects to a backend. It is called at most once at a time, and
// again only after a failed attempt.
type Opener func(ctx context.Context) (Store, error)

// compile-time check that *Lazy implements Store
var _ Store = (*Lazy)(nil)

// Lazy defers connecting to the backend until the first call that needs it,
// then reuses that connection for the life of the process.
//
// SINGLE-FLIGHT INITIALIZATION:
// When the first burst of requests arrives together, only one of them runs
// the Opener; the rest wait for its result. A successful connection is
// memoized. A failed one is NOT: the next call tries again from scratch, so a
// store that comes up late is picked up without a restart.
//
// The opener runs on a context detached from the triggering request. If that
// request is cancelled mid-connect, the others waiting on it still get a
// connection.
type Lazy struct {
	open    Opener
	timeout time.Duration
	logger  *slog.Logger

	group   singleflight.Group
	current atomic.Pointer[opened]

	mu     sync.Mutex
	closed bool

	newBackOff func() backoff.BackOff
}

type opened struct {
	store Store
}

// NewLazy wraps open. A timeout of 0 selects DefaultTimeout.
func NewLazy(open Opener, timeout time.Duration, logger *slog.Logger) *Lazy {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Lazy{
		open:    open,
		timeout: timeout,
		logger:  logger,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// Connected reports whether a connection has been established.
func (l *Lazy) Connected() bool {
	return l.current.Load() != nil
}

func (l *Lazy) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return call(l, ctx, "find user by email", func(ctx context.Context, s Store) (*model.User, error) {
		return s.FindByEmail(ctx, email)
	})
}

func (l *Lazy) GetByID(ctx context.Context, id string) (*model.User, error) {
	return call(l, ctx, "get user", func(ctx context.Context, s Store) (*model.User, error) {
		return s.GetByID(ctx, id)
	})
}

func (l *Lazy) InsertIfAbsent(ctx context.Context, user *model.User) (string, error) {
	return call(l, ctx, "insert user", func(ctx context.Context, s Store) (string, error) {
		return s.InsertIfAbsent(ctx, user)
	})
}

func (l *Lazy) Delete(ctx context.Context, id string) error {
	_, err := call(l, ctx, "delete user", func(ctx context.Context, s Store) (struct{}, error) {
		return struct{}{}, s.Delete(ctx, id)
	})
	return err
}

// Ping connects if needed and then checks the connection is alive.
func (l *Lazy) Ping(ctx context.Context) error {
	_, err := call(l, ctx, "ping", func(ctx context.Context, s Store) (struct{}, error) {
		return struct{}{}, s.Ping(ctx)
	})
	return err
}

// Close releases the connection, if one was opened. Later calls fail with
// StoreUnavailable.
func (l *Lazy) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	if o := l.current.Swap(nil); o != nil {
		return o.store.Close()
	}
	return nil
}

// call runs fn against the connected store under the per-call timeout and
// maps a deadline overrun to StoreUnavailable.
func call[T any](l *Lazy, ctx context.Context, op string, fn func(context.Context, Store) (T, error)) (T, error) {
	var zero T

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	s, err := l.get(ctx)
	if err != nil {
		return zero, err
	}

	res, err := fn(ctx, s)
	if err != nil {
		return zero, classify(op, err)
	}
	return res, nil
}

// get returns the memoized store, connecting first if necessary.
func (l *Lazy) get(ctx context.Context) (Store, error) {
	if o := l.current.Load(); o != nil {
		return o.store, nil
	}
	if l.isClosed() {
		return nil, apperror.StoreUnavailable("connect", ErrClosed)
	}

	ch := l.group.DoChan("open", func() (any, error) {
		if o := l.current.Load(); o != nil {
			return o.store, nil
		}
		s, err := l.connect(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed {
			_ = s.Close()
			return nil, apperror.StoreUnavailable("connect", ErrClosed)
		}
		l.current.Store(&opened{store: s})
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, apperror.StoreUnavailable("connect", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Store), nil
	}
}

// connect runs the opener with exponential backoff. Configuration errors are
// not retried.
func (l *Lazy) connect(ctx context.Context) (Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectAttempts*l.timeout)
	defer cancel()

	attempt := 0
	s, err := backoff.Retry(ctx,
		func() (Store, error) {
			attempt++
			actx, acancel := context.WithTimeout(ctx, l.timeout)
			defer acancel()

			s, err := l.open(actx)
			if err != nil {
				if errors.Is(err, apperror.ErrConfiguration) {
					return nil, backoff.Permanent(err)
				}
				return nil, err
			}
			return s, nil
		},
		backoff.WithBackOff(l.newBackOff()),
		backoff.WithMaxTries(connectAttempts),
		backoff.WithMaxElapsedTime(connectAttempts*l.timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Warn("store connect failed, retrying",
				"attempt", attempt,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	if err != nil {
		l.logger.Error("store connect failed", "attempts", attempt, "error", err)
		if errors.Is(err, apperror.ErrConfiguration) || errors.Is(err, apperror.ErrStoreUnavailable) {
			return nil, err
		}
		return nil, apperror.StoreUnavailable("connect", err)
	}

	l.logger.Info("store connected", "attempts", attempt)
	return s, nil
}

func (l *Lazy) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// classify turns a timed-out call into StoreUnavailable. Errors that already
// carry a kind pass through unchanged.
func classify(op string, err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperror.StoreUnavailable(op, err)
	}
	return err
}
