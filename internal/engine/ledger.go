package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/at6132/com/internal/domain"
)

// Ledger tracks, per position, how much quantity remains unallocated across
// exit legs. Take-profit and stop-loss legs draw from separate pools over the
// same baseline: a full-size stop can coexist with take-profits that together
// cover the whole position, because only one side ever executes a given unit.
// Percentage allocations resolve against the position quantity at plan-attach
// time, so the baseline never moves under the plan. The ledger is pure
// bookkeeping; it performs no I/O and is safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	positions map[string]*ledgerEntry
}

type ledgerEntry struct {
	attachUnits int64 // baseline quantity when the plan attached
	filledUnits int64 // permanently removed by confirmed fills
	nextSeq     int
	reserved    map[string]*reservation
}

type reservation struct {
	kind  domain.LegKind
	units int64
	seq   int // grant order, newest reservations are cut first
}

// ReservationCut records a reservation lowered after a fill to keep its
// kind's pool within the position's unfilled quantity. Units is the
// reservation after the cut.
type ReservationCut struct {
	LegRef string
	Units  int64
}

// NewLedger creates an empty allocation ledger.
func NewLedger() *Ledger {
	return &Ledger{positions: make(map[string]*ledgerEntry)}
}

// Attach registers a position baseline. Re-attaching resets the entry; the
// caller replaces the plan atomically when it does this.
func (l *Ledger) Attach(positionRef string, attachUnits int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[positionRef] = &ledgerEntry{
		attachUnits: attachUnits,
		reserved:    make(map[string]*reservation),
	}
}

// Detach drops all bookkeeping for a closed position.
func (l *Ledger) Detach(positionRef string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.positions, positionRef)
}

// Reserve grants the lesser of requested and the kind's remaining unreserved
// quantity to the leg. It returns ErrOverAllocated when nothing remains in
// that kind's pool, which rejects the owning plan at admission time rather
// than silently truncating at submission.
func (l *Ledger) Reserve(positionRef, legRef string, kind domain.LegKind, requested int64) (int64, error) {
	if requested <= 0 {
		return 0, fmt.Errorf("ledger: reserve %s/%s: non-positive request %d: %w",
			positionRef, legRef, requested, domain.ErrValidation)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.positions[positionRef]
	if !ok {
		return 0, fmt.Errorf("ledger: reserve %s/%s: %w", positionRef, legRef, domain.ErrNotFound)
	}

	remaining := e.remaining(kind)
	if remaining <= 0 {
		return 0, fmt.Errorf("ledger: reserve %s/%s: %w", positionRef, legRef, domain.ErrOverAllocated)
	}

	granted := requested
	if granted > remaining {
		granted = remaining
	}
	if r, ok := e.reserved[legRef]; ok {
		r.units += granted
	} else {
		e.reserved[legRef] = &reservation{kind: kind, units: granted, seq: e.nextSeq}
		e.nextSeq++
	}
	return granted, nil
}

// Release returns a cancelled leg's reservation to its pool.
func (l *Ledger) Release(positionRef, legRef string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.positions[positionRef]; ok {
		delete(e.reserved, legRef)
	}
}

// CommitFill permanently removes filledUnits from the position's tracked
// quantity, consuming the leg's reservation first. It returns
// ErrConsistency when the fill exceeds what the leg had reserved.
//
// A fill on one kind shrinks the position under the other kind's
// reservations, so CommitFill then trims every pool that now exceeds the
// unfilled quantity, cutting the most recently granted reservations first.
// The returned cuts let the caller sync the affected legs.
func (l *Ledger) CommitFill(positionRef, legRef string, filledUnits int64) ([]ReservationCut, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.positions[positionRef]
	if !ok {
		return nil, fmt.Errorf("ledger: commit %s/%s: %w", positionRef, legRef, domain.ErrNotFound)
	}

	var held int64
	if r, ok := e.reserved[legRef]; ok {
		held = r.units
	}
	if filledUnits > held {
		return nil, fmt.Errorf("ledger: commit %s/%s: fill %d exceeds reservation %d: %w",
			positionRef, legRef, filledUnits, held, domain.ErrConsistency)
	}

	if held == filledUnits {
		delete(e.reserved, legRef)
	} else {
		e.reserved[legRef].units -= filledUnits
	}
	e.filledUnits += filledUnits
	return e.trim(), nil
}

// trim cuts reservations so each kind's pool fits the unfilled quantity.
func (e *ledgerEntry) trim() []ReservationCut {
	limit := e.attachUnits - e.filledUnits

	var cuts []ReservationCut
	for _, kind := range []domain.LegKind{domain.LegKindTakeProfit, domain.LegKindStopLoss} {
		var pool int64
		var refs []string
		for ref, r := range e.reserved {
			if r.kind == kind {
				pool += r.units
				refs = append(refs, ref)
			}
		}
		excess := pool - limit
		if excess <= 0 {
			continue
		}
		sort.Slice(refs, func(i, j int) bool {
			return e.reserved[refs[i]].seq > e.reserved[refs[j]].seq
		})
		for _, ref := range refs {
			if excess <= 0 {
				break
			}
			r := e.reserved[ref]
			cut := r.units
			if cut > excess {
				cut = excess
			}
			r.units -= cut
			excess -= cut
			cuts = append(cuts, ReservationCut{LegRef: ref, Units: r.units})
			if r.units == 0 {
				delete(e.reserved, ref)
			}
		}
	}
	return cuts
}

// Remaining returns the unreserved, unfilled quantity in a kind's pool.
func (l *Ledger) Remaining(positionRef string, kind domain.LegKind) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.positions[positionRef]; ok {
		return e.remaining(kind)
	}
	return 0
}

// ReservedFor returns the leg's current reservation.
func (l *Ledger) ReservedFor(positionRef, legRef string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.positions[positionRef]; ok {
		if r, ok := e.reserved[legRef]; ok {
			return r.units
		}
	}
	return 0
}

// Check verifies the ledger invariant for a position: within each kind,
// reserved plus filled never exceeds the attach-time quantity.
func (l *Ledger) Check(positionRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.positions[positionRef]
	if !ok {
		return nil
	}
	for _, kind := range []domain.LegKind{domain.LegKindTakeProfit, domain.LegKindStopLoss} {
		if e.remaining(kind) < 0 {
			return fmt.Errorf("ledger: position %s %s reserved+filled exceeds attach quantity %d: %w",
				positionRef, kind, e.attachUnits, domain.ErrConsistency)
		}
	}
	return nil
}

func (e *ledgerEntry) remaining(kind domain.LegKind) int64 {
	var reserved int64
	for _, r := range e.reserved {
		if r.kind == kind {
			reserved += r.units
		}
	}
	return e.attachUnits - e.filledUnits - reserved
}
