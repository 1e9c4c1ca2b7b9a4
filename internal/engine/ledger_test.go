package engine

import (
	"errors"
	"sync"
	"testing"

	"github.com/at6132/com/internal/domain"
)

func TestLedgerReserveAndRelease(t *testing.T) {
	l := NewLedger()
	l.Attach("pos1", 1_000_000) // 1.0

	granted, err := l.Reserve("pos1", "tp1", domain.LegKindTakeProfit, 250_000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if granted != 250_000 {
		t.Fatalf("granted = %d, want 250000", granted)
	}
	if got := l.Remaining("pos1", domain.LegKindTakeProfit); got != 750_000 {
		t.Fatalf("remaining = %d, want 750000", got)
	}

	l.Release("pos1", "tp1")
	if got := l.Remaining("pos1", domain.LegKindTakeProfit); got != 1_000_000 {
		t.Fatalf("remaining after release = %d, want 1000000", got)
	}
}

func TestLedgerOverAllocation(t *testing.T) {
	l := NewLedger()
	l.Attach("pos1", 1_000_000)

	if _, err := l.Reserve("pos1", "sl1", domain.LegKindStopLoss, 1_000_000); err != nil {
		t.Fatalf("full reserve: %v", err)
	}
	_, err := l.Reserve("pos1", "sl2", domain.LegKindStopLoss, 1)
	if !errors.Is(err, domain.ErrOverAllocated) {
		t.Fatalf("err = %v, want ErrOverAllocated", err)
	}
}

func TestLedgerKindPoolsAreIndependent(t *testing.T) {
	l := NewLedger()
	l.Attach("pos1", 1_000_000)

	// A full-size stop does not starve take-profit reservations: the pools
	// share the baseline but only one side ever executes a given unit.
	if _, err := l.Reserve("pos1", "sl", domain.LegKindStopLoss, 1_000_000); err != nil {
		t.Fatalf("stop reserve: %v", err)
	}
	granted, err := l.Reserve("pos1", "tp1", domain.LegKindTakeProfit, 750_000)
	if err != nil {
		t.Fatalf("take-profit reserve: %v", err)
	}
	if granted != 750_000 {
		t.Fatalf("granted = %d, want 750000", granted)
	}
	if got := l.Remaining("pos1", domain.LegKindTakeProfit); got != 250_000 {
		t.Fatalf("take-profit remaining = %d, want 250000", got)
	}
	if got := l.Remaining("pos1", domain.LegKindStopLoss); got != 0 {
		t.Fatalf("stop remaining = %d, want 0", got)
	}
	if err := l.Check("pos1"); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func TestLedgerClampsToRemaining(t *testing.T) {
	l := NewLedger()
	l.Attach("pos1", 1_000_000)

	l.Reserve("pos1", "tp1", domain.LegKindTakeProfit, 600_000)
	granted, err := l.Reserve("pos1", "tp2", domain.LegKindTakeProfit, 600_000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if granted != 400_000 {
		t.Fatalf("granted = %d, want clamp to 400000", granted)
	}
}

func TestLedgerCommitFill(t *testing.T) {
	l := NewLedger()
	l.Attach("pos1", 1_000_000)
	l.Reserve("pos1", "tp1", domain.LegKindTakeProfit, 250_000)

	if _, err := l.CommitFill("pos1", "tp1", 100_000); err != nil {
		t.Fatalf("partial commit: %v", err)
	}
	if got := l.ReservedFor("pos1", "tp1"); got != 150_000 {
		t.Fatalf("reservation after partial = %d, want 150000", got)
	}
	// Filled quantity never returns to the pool.
	if got := l.Remaining("pos1", domain.LegKindTakeProfit); got != 750_000 {
		t.Fatalf("remaining = %d, want 750000", got)
	}

	// A fill beyond the reservation is a consistency violation.
	_, err := l.CommitFill("pos1", "tp1", 200_000)
	if !errors.Is(err, domain.ErrConsistency) {
		t.Fatalf("err = %v, want ErrConsistency", err)
	}

	if _, err := l.CommitFill("pos1", "tp1", 150_000); err != nil {
		t.Fatalf("final commit: %v", err)
	}
	if err := l.Check("pos1"); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func TestLedgerFillTrimsOppositeKind(t *testing.T) {
	l := NewLedger()
	l.Attach("pos1", 1_000_000)

	l.Reserve("pos1", "tp1", domain.LegKindTakeProfit, 250_000)
	l.Reserve("pos1", "tp2", domain.LegKindTakeProfit, 500_000)
	l.Reserve("pos1", "sl", domain.LegKindStopLoss, 1_000_000)

	// The take-profit fill shrinks the position under the full-size stop,
	// so the stop's reservation is cut down to what is left.
	cuts, err := l.CommitFill("pos1", "tp1", 250_000)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(cuts) != 1 || cuts[0].LegRef != "sl" || cuts[0].Units != 750_000 {
		t.Fatalf("cuts = %+v, want sl cut to 750000", cuts)
	}
	if got := l.ReservedFor("pos1", "sl"); got != 750_000 {
		t.Fatalf("stop reservation = %d, want 750000", got)
	}
	// The surviving take-profit reservation is untouched.
	if got := l.ReservedFor("pos1", "tp2"); got != 500_000 {
		t.Fatalf("tp2 reservation = %d, want 500000", got)
	}
	if err := l.Check("pos1"); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func TestLedgerTrimCutsNewestReservationFirst(t *testing.T) {
	l := NewLedger()
	l.Attach("pos1", 1_000_000)

	l.Reserve("pos1", "sl1", domain.LegKindStopLoss, 500_000)
	l.Reserve("pos1", "sl2", domain.LegKindStopLoss, 300_000)
	l.Reserve("pos1", "tp", domain.LegKindTakeProfit, 500_000)

	cuts, err := l.CommitFill("pos1", "tp", 500_000)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(cuts) != 1 || cuts[0].LegRef != "sl2" {
		t.Fatalf("cuts = %+v, want only the later stop cut", cuts)
	}
	if got := l.ReservedFor("pos1", "sl1"); got != 500_000 {
		t.Fatalf("sl1 reservation = %d, want untouched 500000", got)
	}
	if got := l.ReservedFor("pos1", "sl2"); got != 0 {
		t.Fatalf("sl2 reservation = %d, want 0", got)
	}
}

func TestLedgerUnknownPosition(t *testing.T) {
	l := NewLedger()
	if _, err := l.Reserve("ghost", "leg", domain.LegKindTakeProfit, 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := l.CommitFill("ghost", "leg", 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLedgerConcurrentReserve(t *testing.T) {
	l := NewLedger()
	l.Attach("pos1", 1_000_000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var total int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			granted, err := l.Reserve("pos1", legRefN(i), domain.LegKindTakeProfit, 100_000)
			if err != nil {
				return
			}
			mu.Lock()
			total += granted
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if total != 1_000_000 {
		t.Fatalf("total granted = %d, want exactly 1000000", total)
	}
	if err := l.Check("pos1"); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func legRefN(i int) string {
	return string(rune('a'+i%26)) + string(rune('0'+i/26))
}
