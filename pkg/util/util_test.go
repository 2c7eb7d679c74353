package util

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestParallelRunsAllInputs(t *testing.T) {
	var count atomic.Int64
	inputs := []int{1, 2, 3, 4, 5, 6, 7, 8}

	err := Parallel(context.Background(), inputs, 3, func(ctx context.Context, n int) error {
		count.Add(int64(n))
		return nil
	})
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	if count.Load() != 36 {
		t.Fatalf("expected sum 36, got %d", count.Load())
	}
}

func TestParallelStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	err := Parallel(context.Background(), []int{1, 2, 3}, 1, func(ctx context.Context, n int) error {
		if n == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestParallelEmptyInput(t *testing.T) {
	err := Parallel(context.Background(), nil, 4, func(ctx context.Context, n int) error {
		t.Fatal("fn should not be called")
		return nil
	})
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{12*time.Minute + 30*time.Second, "12m30s"},
		{time.Hour + 5*time.Minute, "1h05m"},
		{-time.Minute, "0s"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.in); got != tc.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
