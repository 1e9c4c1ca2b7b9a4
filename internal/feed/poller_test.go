package feed

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/at6132/com/internal/broker"
	"github.com/at6132/com/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snap(mark int64) domain.Snapshot {
	return domain.Snapshot{
		Symbol:    "BTC-USDT",
		MarkTicks: mark,
		LastTicks: mark,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestPollerDispatchSuppressesUnchangedSnapshots(t *testing.T) {
	p := NewPoller(nil, []string{"BTC-USDT"}, time.Second, nil, discardLogger())

	var calls int
	p.OnSnapshot(func(ctx context.Context, s domain.Snapshot) { calls++ })

	ctx := context.Background()
	p.dispatch(ctx, snap(50_000_000_000))
	p.dispatch(ctx, snap(50_000_000_000))
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (identical snapshot should be suppressed)", calls)
	}

	p.dispatch(ctx, snap(50_001_000_000))
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 after price move", calls)
	}

	// A bid change alone counts as movement.
	moved := snap(50_001_000_000)
	moved.BidTicks = 50_000_500_000
	p.dispatch(ctx, moved)
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 after bid change", calls)
	}
}

func TestPollerDispatchFansOutToAllHandlers(t *testing.T) {
	p := NewPoller(nil, []string{"BTC-USDT"}, time.Second, nil, discardLogger())

	var a, b int
	p.OnSnapshot(func(ctx context.Context, s domain.Snapshot) { a++ })
	p.OnSnapshot(func(ctx context.Context, s domain.Snapshot) { b++ })

	p.dispatch(context.Background(), snap(50_000_000_000))
	if a != 1 || b != 1 {
		t.Fatalf("handlers called (%d, %d), want (1, 1)", a, b)
	}
}

func TestPollerRunPollsVenue(t *testing.T) {
	exec := broker.NewPaper(discardLogger())
	exec.SetSnapshot(snap(50_000_000_000))

	p := NewPoller(exec, []string{"BTC-USDT"}, 5*time.Millisecond, nil, discardLogger())

	received := make(chan domain.Snapshot, 1)
	p.OnSnapshot(func(ctx context.Context, s domain.Snapshot) {
		select {
		case received <- s:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case s := <-received:
		if s.Symbol != "BTC-USDT" {
			t.Errorf("symbol = %s, want BTC-USDT", s.Symbol)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}

	p.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after Close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after Close")
	}
}

func TestPollerRunExitsWithoutInstruments(t *testing.T) {
	p := NewPoller(nil, nil, time.Second, nil, discardLogger())
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
}
