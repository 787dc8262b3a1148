package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffThreeAttempts(t *testing.T) {
	got := Backoff(3)
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDoSucceedsWithoutRetrying(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoGivesUpAfterAllAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	start := time.Now()
	err := Do(context.Background(), 3, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if elapsed := time.Since(start); elapsed < 3*time.Second {
		t.Errorf("elapsed = %v, want >= 3s (1s+2s backoff)", elapsed)
	}
}

func TestDoRecoversOnLaterAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
