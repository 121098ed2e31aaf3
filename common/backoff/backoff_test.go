package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/YaganovValera/candle-feeder/common/backoff"
	"github.com/YaganovValera/candle-feeder/common/logger"
)

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	called := 0
	err := backoff.Execute(context.Background(), backoff.Config{MaxElapsedTime: time.Second}, logger.NewNop(),
		func(ctx context.Context) error {
			called++
			return nil
		})
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 attempt, got %d", called)
	}
}

func TestExecute_EventualSuccess(t *testing.T) {
	cfg := backoff.Config{InitialInterval: 5 * time.Millisecond, Multiplier: 1, MaxElapsedTime: time.Second}
	called := 0
	err := backoff.Execute(context.Background(), cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		if called < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if called != 3 {
		t.Errorf("expected 3 attempts, got %d", called)
	}
}

func TestExecute_MaxRetriesBoundsAttempts(t *testing.T) {
	cfg := backoff.Config{InitialInterval: time.Millisecond, Multiplier: 1, MaxRetries: 1}
	boom := errors.New("boom")
	called := 0
	err := backoff.Execute(context.Background(), cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		return boom
	})
	var maxErr *backoff.ErrMaxRetries
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	if called != 2 || maxErr.Attempts != 2 {
		t.Errorf("expected 2 attempts, got called=%d attempts=%d", called, maxErr.Attempts)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped boom, got %v", err)
	}
}

func TestExecute_PermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("not found")
	called := 0
	err := backoff.Execute(context.Background(), backoff.Config{MaxRetries: 5}, logger.NewNop(),
		func(ctx context.Context) error {
			called++
			return backoff.Permanent(sentinel)
		})
	if called != 1 {
		t.Errorf("expected a single attempt, got %d", called)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("expected sentinel, got %v", err)
	}
	var maxErr *backoff.ErrMaxRetries
	if errors.As(err, &maxErr) {
		t.Error("permanent errors must not be wrapped in ErrMaxRetries")
	}
}

func TestRetry_NamedOpInError(t *testing.T) {
	cfg := backoff.Config{InitialInterval: time.Millisecond, MaxRetries: 1}
	err := backoff.Retry(context.Background(), "redis", cfg, logger.NewNop(), func(context.Context) error {
		return errors.New("conn refused")
	})
	var maxErr *backoff.ErrMaxRetries
	if !errors.As(err, &maxErr) || maxErr.Op != "redis" {
		t.Fatalf("err = %v", err)
	}
}

func TestRetry_PerAttemptTimeout(t *testing.T) {
	cfg := backoff.Config{InitialInterval: time.Millisecond, MaxRetries: 2, PerAttemptTimeout: 5 * time.Millisecond}
	called := 0
	err := backoff.Retry(context.Background(), "slow", cfg, logger.NewNop(), func(ctx context.Context) error {
		called++
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) || called != 3 {
		t.Errorf("err=%v called=%d", err, called)
	}
}

func TestRetry_InvalidConfig(t *testing.T) {
	for _, cfg := range []backoff.Config{{Multiplier: 0.5}, {RandomizationFactor: 2}} {
		if err := backoff.Execute(context.Background(), cfg, logger.NewNop(), func(context.Context) error { return nil }); err == nil {
			t.Errorf("%+v: expected error", cfg)
		}
	}
}

func TestIsPermanent(t *testing.T) {
	if !backoff.IsPermanent(backoff.Permanent(errors.New("x"))) || backoff.IsPermanent(errors.New("x")) {
		t.Error("IsPermanent mismatch")
	}
}

func TestPauser_GrowsAndResets(t *testing.T) {
	p, err := backoff.NewPauser(backoff.Config{
		InitialInterval: 10 * time.Millisecond, RandomizationFactor: 0.01,
		Multiplier: 2, MaxInterval: 40 * time.Millisecond, MaxRetries: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, p.Next().Round(5*time.Millisecond))
	}
	want := []time.Duration{10, 20, 40, 40, 40}
	for i := range want {
		if got[i] != want[i]*time.Millisecond {
			t.Fatalf("pauses = %v", got)
		}
	}
	p.Reset()
	if d := p.Next().Round(5 * time.Millisecond); d != 10*time.Millisecond {
		t.Errorf("after Reset = %v", d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait on cancelled ctx = %v", err)
	}
}

func TestNewPauser_InvalidConfig(t *testing.T) {
	if _, err := backoff.NewPauser(backoff.Config{Multiplier: 0.5}); err == nil {
		t.Fatal("expected error")
	}
}
