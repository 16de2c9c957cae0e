package repository

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sakif/credential-service/internal/apperror"
	"github.com/sakif/credential-service/internal/model"
)

// =========================================================================
// FAKE STORE
// =========================================================================

// fakeStore is a minimal Store. FindByEmail blocks until ctx is done when
// block is set, which lets tests drive the per-call timeout.
type fakeStore struct {
	block  bool
	closed atomic.Bool
}

func (f *fakeStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, apperror.NotFound("user", email)
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*model.User, error) {
	return &model.User{ID: id}, nil
}

func (f *fakeStore) InsertIfAbsent(_ context.Context, _ *model.User) (string, error) {
	return "new-id", nil
}

func (f *fakeStore) Delete(_ context.Context, _ string) error { return nil }
func (f *fakeStore) Ping(_ context.Context) error              { return nil }

func (f *fakeStore) Close() error {
	f.closed.Store(true)
	return nil
}

func newTestLazy(open Opener, timeout time.Duration) *Lazy {
	l := NewLazy(open, timeout, slog.New(slog.DiscardHandler))
	l.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return l
}

// =========================================================================
// SINGLE-FLIGHT TESTS
// =========================================================================

func TestLazy_ConcurrentFirstCallsOpenOnce(t *testing.T) {
	var opens atomic.Int32
	release := make(chan struct{})
	store := &fakeStore{}

	l := newTestLazy(func(ctx context.Context) (Store, error) {
		opens.Add(1)
		<-release
		return store, nil
	}, time.Second)

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.GetByID(context.Background(), "abc")
			errs <- err
		}()
	}

	// give every goroutine a chance to join the in-flight open
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("GetByID() error = %v", err)
		}
	}
	if got := opens.Load(); got != 1 {
		t.Errorf("opener ran %d times, want 1", got)
	}
	if !l.Connected() {
		t.Error("Connected() = false after a successful open")
	}
}

func TestLazy_FailedOpenIsNotMemoized(t *testing.T) {
	var opens atomic.Int32
	healthy := atomic.Bool{}
	store := &fakeStore{}

	l := newTestLazy(func(ctx context.Context) (Store, error) {
		opens.Add(1)
		if !healthy.Load() {
			return nil, errors.New("dial tcp 10.0.0.1:27017: connection refused")
		}
		return store, nil
	}, time.Second)

	_, err := l.GetByID(context.Background(), "abc")
	if !errors.Is(err, apperror.ErrStoreUnavailable) {
		t.Fatalf("GetByID() error = %v, want ErrStoreUnavailable", err)
	}
	if got := opens.Load(); got != connectAttempts {
		t.Errorf("opener ran %d times, want %d (retried)", got, connectAttempts)
	}
	if l.Connected() {
		t.Fatal("a failed open must not be memoized")
	}

	healthy.Store(true)

	if _, err := l.GetByID(context.Background(), "abc"); err != nil {
		t.Fatalf("GetByID() after recovery error = %v", err)
	}
	if got := opens.Load(); got != connectAttempts+1 {
		t.Errorf("opener ran %d times, want %d", got, connectAttempts+1)
	}
}

func TestLazy_ConfigurationErrorIsNotRetried(t *testing.T) {
	var opens atomic.Int32

	l := newTestLazy(func(ctx context.Context) (Store, error) {
		opens.Add(1)
		return nil, apperror.Configuration("DATABASE_URL is required", nil)
	}, time.Second)

	err := l.Ping(context.Background())
	if !errors.Is(err, apperror.ErrConfiguration) {
		t.Fatalf("Ping() error = %v, want ErrConfiguration", err)
	}
	if got := opens.Load(); got != 1 {
		t.Errorf("opener ran %d times, want 1", got)
	}
}

func TestLazy_CancelledCallerDoesNotAbortOpen(t *testing.T) {
	release := make(chan struct{})
	var openCtxErr atomic.Value

	l := newTestLazy(func(ctx context.Context) (Store, error) {
		<-release
		if err := ctx.Err(); err != nil {
			openCtxErr.Store(err)
		}
		return &fakeStore{}, nil
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.GetByID(ctx, "abc")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, apperror.ErrStoreUnavailable) {
		t.Fatalf("cancelled GetByID() error = %v, want ErrStoreUnavailable", err)
	}

	close(release)
	if _, err := l.GetByID(context.Background(), "abc"); err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if v := openCtxErr.Load(); v != nil {
		t.Errorf("opener saw a cancelled context: %v", v)
	}
}

// =========================================================================
// TIMEOUT TESTS
// =========================================================================

func TestLazy_SlowCallBecomesStoreUnavailable(t *testing.T) {
	l := newTestLazy(func(ctx context.Context) (Store, error) {
		return &fakeStore{block: true}, nil
	}, 30*time.Millisecond)

	start := time.Now()
	_, err := l.FindByEmail(context.Background(), "a@x.com")

	if !errors.Is(err, apperror.ErrStoreUnavailable) {
		t.Fatalf("FindByEmail() error = %v, want ErrStoreUnavailable", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("cause should be context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("call took %v, want it bounded by the store timeout", elapsed)
	}
}

func TestLazy_KindedErrorsPassThrough(t *testing.T) {
	l := newTestLazy(func(ctx context.Context) (Store, error) {
		return &fakeStore{}, nil
	}, time.Second)

	_, err := l.FindByEmail(context.Background(), "nobody@x.com")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Fatalf("FindByEmail() error = %v, want ErrNotFound", err)
	}
}

// =========================================================================
// CLOSE TESTS
// =========================================================================

func TestLazy_Close(t *testing.T) {
	store := &fakeStore{}
	l := newTestLazy(func(ctx context.Context) (Store, error) {
		return store, nil
	}, time.Second)

	if err := l.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !store.closed.Load() {
		t.Error("Close() did not close the underlying store")
	}

	err := l.Ping(context.Background())
	if !errors.Is(err, apperror.ErrStoreUnavailable) || !errors.Is(err, ErrClosed) {
		t.Fatalf("Ping() after Close error = %v, want ErrStoreUnavailable wrapping ErrClosed", err)
	}
}

func TestLazy_CloseBeforeOpenIsNoop(t *testing.T) {
	l := newTestLazy(func(ctx context.Context) (Store, error) {
		t.Fatal("opener must not run")
		return nil, nil
	}, time.Second)

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
