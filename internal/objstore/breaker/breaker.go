// Package breaker wraps any objstore.Store with per-operation circuit
// breakers so a failing remote store degrades to fast failures instead
// of piling up blocked callers.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/parquedb/parquedb/internal/objstore"
	"github.com/parquedb/parquedb/internal/types"
)

// Config tunes the breaker state machines. One state machine exists per
// operation class (read, write, list, delete).
type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// ResetTimeout is how long an open breaker waits before moving to
	// half-open.
	ResetTimeout time.Duration
	// CallTimeout bounds each call; a timeout counts as a failure.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// Store wraps an inner objstore.Store with four breakers.
type Store struct {
	inner   objstore.Store
	cfg     Config
	monitor *Monitor

	read   *gobreaker.CircuitBreaker
	write  *gobreaker.CircuitBreaker
	list   *gobreaker.CircuitBreaker
	delete *gobreaker.CircuitBreaker
}

// Wrap builds the breaker-guarded store. The monitor may be shared
// across stores; pass nil to create a private one.
func Wrap(inner objstore.Store, cfg Config, monitor *Monitor) *Store {
	cfg = cfg.withDefaults()
	if monitor == nil {
		monitor = NewMonitor(64)
	}
	s := &Store{inner: inner, cfg: cfg, monitor: monitor}
	s.read = s.newBreaker("read")
	s.write = s.newBreaker("write")
	s.list = s.newBreaker("list")
	s.delete = s.newBreaker("delete")
	return s
}

func (s *Store) newBreaker(op string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        op,
		MaxRequests: 1,
		Timeout:     s.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.monitor.record(name, from, to)
		},
	})
}

// Monitor returns the health monitor observing this store.
func (s *Store) Monitor() *Monitor { return s.monitor }

func (s *Store) call(ctx context.Context, cb *gobreaker.CircuitBreaker, op, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	out, err := cb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		v, err := fn(callCtx)
		// Missing objects are an answer, not a storage failure; they
		// pass through as a success so the counters only see real
		// faults.
		if err != nil && errors.Is(err, objstore.ErrNotFound) {
			return notFoundResult{err}, nil
		}
		return v, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &types.StorageError{Kind: types.StorageCircuitOpen, Op: op, Key: key, Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &types.StorageError{Kind: types.StorageTimeout, Op: op, Key: key, Err: err}
		}
		return nil, err
	}
	if nf, ok := out.(notFoundResult); ok {
		return nil, nf.err
	}
	return out, nil
}

// notFoundResult smuggles ErrNotFound through gobreaker's success path.
type notFoundResult struct{ err error }

func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	out, err := s.call(ctx, s.read, "read", key, func(ctx context.Context) (any, error) {
		return s.inner.Read(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (s *Store) Write(ctx context.Context, key string, data []byte) error {
	_, err := s.call(ctx, s.write, "write", key, func(ctx context.Context) (any, error) {
		return nil, s.inner.Write(ctx, key, data)
	})
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.call(ctx, s.delete, "delete", key, func(ctx context.Context) (any, error) {
		return nil, s.inner.Delete(ctx, key)
	})
	return err
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	out, err := s.call(ctx, s.read, "exists", key, func(ctx context.Context) (any, error) {
		return s.inner.Exists(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	out, err := s.call(ctx, s.list, "list", prefix, func(ctx context.Context) (any, error) {
		return s.inner.List(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.([]string), nil
}

// Stat passes through to the inner store when it supports it, guarded
// by the read breaker.
func (s *Store) Stat(ctx context.Context, key string) (objstore.Info, error) {
	st, ok := s.inner.(objstore.Stater)
	if !ok {
		return objstore.Info{}, &types.StorageError{Kind: types.StorageIO, Op: "stat", Key: key, Err: errors.New("backend does not support stat")}
	}
	out, err := s.call(ctx, s.read, "stat", key, func(ctx context.Context) (any, error) {
		return st.Stat(ctx, key)
	})
	if err != nil {
		return objstore.Info{}, err
	}
	return out.(objstore.Info), nil
}
