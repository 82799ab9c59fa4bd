package bulk

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"
)

func TestApplyIsolatesFailures(t *testing.T) {
	o := New(4, nil)
	ids := make([]string, 0)
	for i := 0; i < 12; i++ {
		ids = append(ids, fmt.Sprintf("ok-%d", i))
	}
	for i := 0; i < 5; i++ {
		ids = append(ids, fmt.Sprintf("bad-%d", i))
	}
	rand.New(rand.NewSource(7)).Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	result := o.Apply(context.Background(), ids, func(_ context.Context, id string) error {
		if strings.HasPrefix(id, "bad") {
			return fmt.Errorf("approve %s: %w", id, ErrIneligible)
		}
		return nil
	})

	if len(result.Succeeded) != 12 || len(result.Failed) != 5 {
		t.Fatalf("expected 12/5 split, got %d/%d", len(result.Succeeded), len(result.Failed))
	}
	for _, failure := range result.Failed {
		if failure.Reason != ReasonIneligibleState {
			t.Fatalf("expected ineligible-state, got %s", failure.Reason)
		}
	}
}

func TestApplyKeepsInputOrderAndDedupes(t *testing.T) {
	o := New(2, nil)
	var calls atomic.Int32
	result := o.Apply(context.Background(), []string{"c", "a", "c", " b "}, func(context.Context, string) error {
		calls.Add(1)
		return nil
	})
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	want := []string{"c", "a", "b"}
	if len(result.Succeeded) != len(want) {
		t.Fatalf("expected %v, got %v", want, result.Succeeded)
	}
	for i, id := range want {
		if result.Succeeded[i] != id {
			t.Fatalf("expected %v, got %v", want, result.Succeeded)
		}
	}
}

func TestApplyReportsBlankIDs(t *testing.T) {
	o := New(2, nil)
	var calls atomic.Int32
	result := o.Apply(context.Background(), []string{"a", " ", "", "b"}, func(context.Context, string) error {
		calls.Add(1)
		return nil
	})
	if calls.Load() != 2 {
		t.Fatalf("blank ids must not reach the item func, got %d calls", calls.Load())
	}
	if len(result.Succeeded) != 2 {
		t.Fatalf("expected 2 successes, got %v", result.Succeeded)
	}
	if len(result.Failed) != 2 {
		t.Fatalf("expected both blank ids reported, got %+v", result.Failed)
	}
	for _, failure := range result.Failed {
		if failure.Reason != ReasonValidation || strings.TrimSpace(failure.ID) != "" {
			t.Fatalf("unexpected failure %+v", failure)
		}
	}
}

func TestApplyRespectsConcurrencyLimit(t *testing.T) {
	o := New(3, nil)
	var active, peak atomic.Int32
	ids := []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10"}
	gate := make(chan struct{})
	go func() {
		for range ids {
			gate <- struct{}{}
		}
	}()
	o.Apply(context.Background(), ids, func(context.Context, string) error {
		current := active.Add(1)
		for {
			previous := peak.Load()
			if current <= previous || peak.CompareAndSwap(previous, current) {
				break
			}
		}
		<-gate
		active.Add(-1)
		return nil
	})
	if peak.Load() > 3 {
		t.Fatalf("expected at most 3 concurrent items, saw %d", peak.Load())
	}
}

func TestApplyClassifiesWithCustomClassifier(t *testing.T) {
	missing := errors.New("missing")
	o := New(1, func(err error) Reason {
		if errors.Is(err, missing) {
			return ReasonNotFound
		}
		return DefaultClassifier(err)
	})
	result := o.Apply(context.Background(), []string{"x", "y", "z"}, func(_ context.Context, id string) error {
		switch id {
		case "x":
			return missing
		case "y":
			return ErrUnsupported
		default:
			panic("boom")
		}
	})
	reasons := map[string]Reason{}
	for _, failure := range result.Failed {
		reasons[failure.ID] = failure.Reason
	}
	if reasons["x"] != ReasonNotFound || reasons["y"] != ReasonUnsupportedAction || reasons["z"] != ReasonInternal {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestApplyCancelledContextFailsRemainingItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := New(2, nil).Apply(ctx, []string{"a", "b"}, func(context.Context, string) error { return nil })
	if len(result.Failed) != 2 || len(result.Succeeded) != 0 {
		t.Fatalf("expected every item to fail after cancellation, got %+v", result)
	}
}
