package fracidx

import (
	"errors"
	"testing"
)

func f(v float64) *float64 { return &v }

func TestBetweenNoNeighbors(t *testing.T) {
	k, err := Between(nil, nil)
	if err != nil {
		t.Fatalf("Between failed: %v", err)
	}
	if k != 1.0 {
		t.Errorf("Expected 1.0, got %v", k)
	}
}

func TestBetweenAppend(t *testing.T) {
	k, err := Between(f(3.0), nil)
	if err != nil {
		t.Fatalf("Between failed: %v", err)
	}
	if k != 4.0 {
		t.Errorf("Expected 4.0, got %v", k)
	}
}

func TestBetweenPrepend(t *testing.T) {
	k, err := Between(nil, f(1.0))
	if err != nil {
		t.Fatalf("Between failed: %v", err)
	}
	if k != 0.5 {
		t.Errorf("Expected 0.5, got %v", k)
	}
}

func TestBetweenMidpoint(t *testing.T) {
	k, err := Between(f(1.0), f(2.0))
	if err != nil {
		t.Fatalf("Between failed: %v", err)
	}
	if !(k > 1.0 && k < 2.0) {
		t.Errorf("Midpoint %v not strictly inside (1, 2)", k)
	}
}

func TestBetweenExhaustion(t *testing.T) {
	// Repeated midpoint inserts between a fixed left neighbor and a moving
	// right neighbor must eventually report exhaustion, well before float64
	// denormals come into play.
	left := 1.0
	right := 1.0 + 1e-9
	exhaustedAt := -1
	for i := 0; i < 200; i++ {
		k, err := Between(&left, &right)
		if err != nil {
			if !errors.Is(err, ErrPrecisionExhausted) {
				t.Fatalf("Unexpected error: %v", err)
			}
			exhaustedAt = i
			break
		}
		if !(k > left && k < right) {
			t.Fatalf("Key %v escaped interval (%v, %v)", k, left, right)
		}
		right = k
	}
	if exhaustedAt < 0 {
		t.Fatal("Exhaustion never reported")
	}
}

func TestBetweenInvertedInterval(t *testing.T) {
	if _, err := Between(f(2.0), f(1.0)); !errors.Is(err, ErrPrecisionExhausted) {
		t.Errorf("Expected exhaustion for inverted interval, got %v", err)
	}
}

func TestSpreadInside(t *testing.T) {
	keys, err := Spread(f(1.0), f(2.0), 5)
	if err != nil {
		t.Fatalf("Spread failed: %v", err)
	}
	if len(keys) != 5 {
		t.Fatalf("Expected 5 keys, got %d", len(keys))
	}
	prev := 1.0
	for _, k := range keys {
		if !(k > prev && k < 2.0) {
			t.Errorf("Key %v out of order or outside (1, 2)", k)
		}
		prev = k
	}
}

func TestSpreadAppend(t *testing.T) {
	keys, err := Spread(f(2.0), nil, 3)
	if err != nil {
		t.Fatalf("Spread failed: %v", err)
	}
	want := []float64{3, 4, 5}
	for i, k := range keys {
		if k != want[i] {
			t.Errorf("keys[%d] = %v, want %v", i, k, want[i])
		}
	}
}

func TestSpreadEmptyGroup(t *testing.T) {
	keys, err := Spread(nil, nil, 3)
	if err != nil {
		t.Fatalf("Spread failed: %v", err)
	}
	want := []float64{1, 2, 3}
	for i, k := range keys {
		if k != want[i] {
			t.Errorf("keys[%d] = %v, want %v", i, k, want[i])
		}
	}
}

func TestRebalanced(t *testing.T) {
	keys := Rebalanced(4)
	want := []float64{1, 2, 3, 4}
	if len(keys) != len(want) {
		t.Fatalf("Expected %d keys, got %d", len(want), len(keys))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %v, want %v", i, keys[i], want[i])
		}
	}
}
