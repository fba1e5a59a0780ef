package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/talkbuddy/common/retry"
)

var (
	errStarting = errors.New("database is starting up")
	errBadKey   = errors.New("invalid api key")
)

func TestDo(t *testing.T) {
	tests := []struct {
		name        string
		attempts    int
		shouldRetry func(error) bool
		// results are returned by successive calls; the last repeats.
		results   []error
		wantErr   error
		wantCalls int
	}{
		{"first attempt succeeds", 3, nil, []error{nil}, nil, 1},
		{"succeeds on third attempt", 3, nil, []error{errStarting, errStarting, nil}, nil, 3},
		{"gives up after max attempts", 3, nil, []error{errStarting}, errStarting, 3},
		{"zero attempts means one", 0, nil, []error{errStarting}, errStarting, 1},
		{
			"predicate stops retries", 3,
			func(err error) bool { return !errors.Is(err, errBadKey) },
			[]error{errBadKey}, errBadKey, 1,
		},
		{"permanent marker stops and unwraps", 5, nil, []error{retry.Permanent(errBadKey)}, errBadKey, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retry.Do(context.Background(), retry.Config{
				MaxAttempts:  tt.attempts,
				InitialDelay: time.Millisecond,
				ShouldRetry:  tt.shouldRetry,
				Name:         tt.name,
			}, func() error {
				i := min(calls, len(tt.results)-1)
				calls++
				return tt.results[i]
			})
			if err != tt.wantErr {
				t.Errorf("err: got %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls: got %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestPermanentNil(t *testing.T) {
	if retry.Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}

func TestDo_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retry.Do(ctx, retry.Config{MaxAttempts: 5}, func() error {
		calls++
		return errStarting
	})
	if calls != 0 {
		t.Fatalf("expected no calls with a cancelled context, got %d", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDo_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: time.Hour}, func() error {
		calls++
		cancel()
		return errStarting
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if !errors.Is(err, errStarting) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected both the last error and context.Canceled, got %v", err)
	}
}
