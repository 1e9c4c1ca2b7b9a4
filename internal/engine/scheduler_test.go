package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/at6132/com/internal/broker"
	"github.com/at6132/com/internal/domain"
)

// --- in-memory fakes ---

type memPositions struct {
	mu    sync.Mutex
	posns map[string]domain.Position
}

func newMemPositions() *memPositions {
	return &memPositions{posns: make(map[string]domain.Position)}
}

func (m *memPositions) Create(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posns[pos.Ref] = pos
	return nil
}

func (m *memPositions) Update(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posns[pos.Ref] = pos
	return nil
}

func (m *memPositions) GetByRef(_ context.Context, ref string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.posns[ref]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *memPositions) ListOpen(_ context.Context) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.posns {
		if pos.State == domain.PositionStateOpen {
			out = append(out, pos)
		}
	}
	return out, nil
}

type memLegs struct {
	mu   sync.Mutex
	legs map[string]domain.Leg
}

func newMemLegs() *memLegs {
	return &memLegs{legs: make(map[string]domain.Leg)}
}

func (m *memLegs) Create(_ context.Context, leg domain.Leg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legs[leg.Ref] = leg
	return nil
}

func (m *memLegs) Update(_ context.Context, leg domain.Leg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legs[leg.Ref] = leg
	return nil
}

func (m *memLegs) GetByRef(_ context.Context, ref string) (domain.Leg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	leg, ok := m.legs[ref]
	if !ok {
		return domain.Leg{}, domain.ErrNotFound
	}
	return leg, nil
}

func (m *memLegs) ListByPosition(_ context.Context, positionRef string) ([]domain.Leg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Leg
	for _, leg := range m.legs {
		if leg.PositionRef == positionRef {
			out = append(out, leg)
		}
	}
	return out, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Emit(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// recordingBroker captures submission order on top of a paper venue.
type recordingBroker struct {
	*broker.Paper
	mu   sync.Mutex
	refs []string
}

func (b *recordingBroker) PlaceOrder(ctx context.Context, req broker.Request) (broker.Result, error) {
	b.mu.Lock()
	b.refs = append(b.refs, req.ClientRef)
	b.mu.Unlock()
	return b.Paper.PlaceOrder(ctx, req)
}

// ambiguousBroker times out the first placement after it lands venue-side,
// simulating a response lost on the wire.
type ambiguousBroker struct {
	*broker.Paper
	placeCalls int
}

func (b *ambiguousBroker) PlaceOrder(ctx context.Context, req broker.Request) (broker.Result, error) {
	b.placeCalls++
	res, err := b.Paper.PlaceOrder(ctx, req)
	if b.placeCalls == 1 {
		return broker.Result{}, fmt.Errorf("lost response: %w", broker.ErrAmbiguous)
	}
	return res, err
}

// stallBroker parks the first placement on a gate so another evaluation
// pass can interleave with an in-flight submission.
type stallBroker struct {
	*broker.Paper
	gate  chan struct{}
	calls atomic.Int32
}

func (b *stallBroker) PlaceOrder(ctx context.Context, req broker.Request) (broker.Result, error) {
	if b.calls.Add(1) == 1 {
		<-b.gate
	}
	return b.Paper.PlaceOrder(ctx, req)
}

// restingBroker accepts every placement without executing it and reports a
// full fill when the order is queried.
type restingBroker struct {
	mu     sync.Mutex
	placed map[string]broker.Request
}

func newRestingBroker() *restingBroker {
	return &restingBroker{placed: make(map[string]broker.Request)}
}

func (b *restingBroker) PlaceOrder(_ context.Context, req broker.Request) (broker.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed[req.ClientRef] = req
	return broker.Result{BrokerOrderID: "venue-" + req.ClientRef, Status: broker.StatusAccepted}, nil
}

func (b *restingBroker) CancelOrder(context.Context, string) error { return nil }

func (b *restingBroker) GetOrder(_ context.Context, clientRef string) (broker.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.placed[clientRef]
	if !ok {
		return broker.Result{}, domain.ErrNotFound
	}
	return broker.Result{
		BrokerOrderID: "venue-" + clientRef,
		Status:        broker.StatusFilled,
		FilledUnits:   req.QtyUnits,
		AvgPriceTicks: req.PriceTicks,
	}, nil
}

func (b *restingBroker) MarketData(context.Context, string) (domain.Snapshot, error) {
	return domain.Snapshot{}, domain.ErrNotFound
}

// --- harness ---

type harness struct {
	sched  *Scheduler
	ledger *Ledger
	posns  *memPositions
	legs   *memLegs
	sink   *eventRecorder
}

func newHarness(t *testing.T, exec broker.Broker) *harness {
	t.Helper()
	h := &harness{
		ledger: NewLedger(),
		posns:  newMemPositions(),
		legs:   newMemLegs(),
		sink:   &eventRecorder{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.sched = NewScheduler(Config{}, exec, h.ledger, h.posns, h.legs, h.sink, logger)
	return h
}

func testPosition(qty float64) domain.Position {
	return domain.Position{
		Ref:            "pos1",
		StrategyID:     "strat-a",
		Symbol:         "BTC-USDT",
		Side:           domain.OrderSideBuy,
		State:          domain.PositionStateOpen,
		EntryTicks:     50000e6,
		QtyUnits:       domain.Units(qty),
		AttachQtyUnits: domain.Units(qty),
	}
}

func priceLeg(kind domain.LegKind, label string, pct float64, target int64) domain.Leg {
	return domain.Leg{
		Kind:       kind,
		Label:      label,
		Allocation: domain.Allocation{Type: domain.AllocationPercentage, Value: pct},
		Trigger: domain.Trigger{
			Mode:       domain.TriggerPrice,
			PriceType:  domain.PriceMark,
			ValueTicks: target,
		},
		Exec: domain.ExecSpec{OrderType: domain.OrderTypeMarket},
	}
}

// pass runs one synchronous evaluation for the harness position.
func (h *harness) pass(t *testing.T, ticks int64) {
	t.Helper()
	book := h.sched.book("pos1")
	if book == nil {
		t.Fatal("position not tracked")
	}
	h.sched.evaluateBook(context.Background(), book, domain.Snapshot{
		Symbol:    "BTC-USDT",
		MarkTicks: ticks,
	})
}

// --- tests ---

func TestSchedulerPartialExitRetainsRemainder(t *testing.T) {
	paper := broker.NewPaper(slog.New(slog.NewTextHandler(io.Discard, nil)))
	paper.SetSnapshot(domain.Snapshot{Symbol: "BTC-USDT", MarkTicks: 52000e6})
	h := newHarness(t, paper)

	pos := testPosition(1.0)
	if _, err := h.sched.AttachPlan(context.Background(), pos, []domain.Leg{
		priceLeg(domain.LegKindTakeProfit, "tp1", 25, 52000e6),
		priceLeg(domain.LegKindStopLoss, "sl", 75, 48000e6),
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	h.pass(t, 52000e6)

	got, ok := h.sched.Position("pos1")
	if !ok {
		t.Fatal("position dropped")
	}
	if got.QtyUnits != domain.Units(0.75) {
		t.Fatalf("qty = %d, want %d", got.QtyUnits, domain.Units(0.75))
	}

	live := h.sched.Legs("pos1")
	byLabel := make(map[string]domain.Leg, len(live))
	for _, leg := range live {
		byLabel[leg.Label] = leg
	}
	if byLabel["tp1"].State != domain.LegStateFilled {
		t.Fatalf("tp1 state = %s", byLabel["tp1"].State)
	}
	if byLabel["sl"].State != domain.LegStateArmed {
		t.Fatalf("sl state = %s", byLabel["sl"].State)
	}
	// The stop keeps its full reservation against the remainder.
	if r := h.ledger.ReservedFor("pos1", byLabel["sl"].Ref); r != domain.Units(0.75) {
		t.Fatalf("sl reservation = %d", r)
	}

	if got := h.sink.ofType(domain.EventTakeProfitTriggered); len(got) != 1 {
		t.Fatalf("TAKE_PROFIT_TRIGGERED events = %d", len(got))
	}
	if got := h.sink.ofType(domain.EventFill); len(got) != 1 {
		t.Fatalf("FILL events = %d", len(got))
	}
}

func TestSchedulerStopFiresBeforeTakeProfit(t *testing.T) {
	paper := broker.NewPaper(slog.New(slog.NewTextHandler(io.Discard, nil)))
	paper.SetSnapshot(domain.Snapshot{Symbol: "BTC-USDT", MarkTicks: 52300e6})
	rec := &recordingBroker{Paper: paper}
	h := newHarness(t, rec)

	// Both legs trigger on the same snapshot: the take-profit is declared
	// first but the stop must still submit first.
	legs, err := h.sched.AttachPlan(context.Background(), testPosition(1.0), []domain.Leg{
		priceLeg(domain.LegKindTakeProfit, "tp", 50, 52000e6),
		priceLeg(domain.LegKindStopLoss, "sl", 50, 52600e6),
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	h.pass(t, 52300e6)

	if len(rec.refs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(rec.refs))
	}
	if rec.refs[0] != legs[1].Ref {
		t.Fatalf("first submission = %s, want stop leg %s", rec.refs[0], legs[1].Ref)
	}
}

func TestSchedulerAmbiguousOutcomeReconcilesWithoutResubmit(t *testing.T) {
	paper := broker.NewPaper(slog.New(slog.NewTextHandler(io.Discard, nil)))
	paper.SetSnapshot(domain.Snapshot{Symbol: "BTC-USDT", MarkTicks: 52000e6})
	amb := &ambiguousBroker{Paper: paper}
	h := newHarness(t, amb)

	if _, err := h.sched.AttachPlan(context.Background(), testPosition(1.0), []domain.Leg{
		priceLeg(domain.LegKindTakeProfit, "tp", 100, 52000e6),
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	h.pass(t, 52000e6)

	if amb.placeCalls != 1 {
		t.Fatalf("place calls = %d, want 1 (reconciled, not resubmitted)", amb.placeCalls)
	}
	// Full fill closed the position.
	if _, ok := h.sched.Position("pos1"); ok {
		t.Fatal("position still tracked after full exit")
	}
	if got := h.sink.ofType(domain.EventPositionClosed); len(got) != 1 {
		t.Fatalf("POSITION_CLOSED events = %d", len(got))
	}
}

func TestSchedulerRetryableRejectionReArms(t *testing.T) {
	// No snapshot registered with the venue: every placement is rejected
	// retryably.
	paper := broker.NewPaper(slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, paper)

	if _, err := h.sched.AttachPlan(context.Background(), testPosition(1.0), []domain.Leg{
		priceLeg(domain.LegKindTakeProfit, "tp", 100, 52000e6),
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	h.pass(t, 52000e6)
	live := h.sched.Legs("pos1")
	if live[0].State != domain.LegStateArmed || live[0].Retries != 1 {
		t.Fatalf("after first rejection: state=%s retries=%d", live[0].State, live[0].Retries)
	}

	// Exhaust the retry budget.
	h.pass(t, 52000e6)
	h.pass(t, 52000e6)
	live = h.sched.Legs("pos1")
	if live[0].State != domain.LegStateCancelled {
		t.Fatalf("after budget: state=%s", live[0].State)
	}
	if live[0].CancelReason != domain.ReasonRetriesExhausted {
		t.Fatalf("cancel reason = %s", live[0].CancelReason)
	}
	// The cancelled leg's quantity is back in the pool.
	if got := h.ledger.Remaining("pos1", domain.LegKindTakeProfit); got != domain.Units(1.0) {
		t.Fatalf("remaining = %d", got)
	}
}

func TestSchedulerRejectsOverAllocatedPlan(t *testing.T) {
	paper := broker.NewPaper(slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, paper)

	_, err := h.sched.AttachPlan(context.Background(), testPosition(1.0), []domain.Leg{
		priceLeg(domain.LegKindTakeProfit, "tp1", 60, 52000e6),
		priceLeg(domain.LegKindTakeProfit, "tp2", 60, 54000e6),
	})
	if !errors.Is(err, domain.ErrOverAllocated) {
		t.Fatalf("err = %v, want ErrOverAllocated", err)
	}
	// Nothing leaks: the position is not tracked and the ledger is clean.
	if _, ok := h.sched.Position("pos1"); ok {
		t.Fatal("rejected plan left position tracked")
	}
	if got := h.ledger.Remaining("pos1", domain.LegKindTakeProfit); got != 0 {
		t.Fatalf("ledger retains entry after rejection: %d", got)
	}
}

func TestSchedulerBreakevenAction(t *testing.T) {
	paper := broker.NewPaper(slog.New(slog.NewTextHandler(io.Discard, nil)))
	paper.SetSnapshot(domain.Snapshot{Symbol: "BTC-USDT", MarkTicks: 52000e6})
	h := newHarness(t, paper)

	tp := priceLeg(domain.LegKindTakeProfit, "tp1", 50, 52000e6)
	tp.Actions = []domain.AfterFillAction{{Type: domain.ActionSetSLToBreakeven}}
	sl := priceLeg(domain.LegKindStopLoss, "sl", 50, 48000e6)

	if _, err := h.sched.AttachPlan(context.Background(), testPosition(1.0), []domain.Leg{tp, sl}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	h.pass(t, 52000e6)

	var slLeg domain.Leg
	for _, leg := range h.sched.Legs("pos1") {
		if leg.Label == "sl" {
			slLeg = leg
		}
	}
	// Entry 50000 with a 10 bps buffer: stop at 50050.
	want := int64(50050e6)
	if slLeg.Trigger.Mode != domain.TriggerPrice || slLeg.Trigger.ValueTicks != want {
		t.Fatalf("stop trigger = %+v, want PRICE @ %d", slLeg.Trigger, want)
	}
	if !slLeg.Trigger.Armed || slLeg.Trigger.ArmedTicks != want {
		t.Fatalf("stop not armed at breakeven: %+v", slLeg.Trigger)
	}
}

func TestSchedulerLegCreateCap(t *testing.T) {
	paper := broker.NewPaper(slog.New(slog.NewTextHandler(io.Discard, nil)))
	paper.SetSnapshot(domain.Snapshot{Symbol: "BTC-USDT", MarkTicks: 52000e6})
	h := newHarness(t, paper)

	tpl := &domain.LegTemplate{
		Kind:       domain.LegKindTakeProfit,
		Label:      "chained",
		Allocation: domain.Allocation{Type: domain.AllocationQuantity, Value: 0.1},
		Trigger: domain.Trigger{
			Mode:       domain.TriggerPrice,
			PriceType:  domain.PriceMark,
			ValueTicks: 60000e6,
		},
		Exec: domain.ExecSpec{OrderType: domain.OrderTypeMarket},
	}
	tp := priceLeg(domain.LegKindTakeProfit, "tp1", 10, 52000e6)
	for i := 0; i < 4; i++ {
		tp.Actions = append(tp.Actions, domain.AfterFillAction{
			Type:   domain.ActionCreateNewLeg,
			NewLeg: tpl,
		})
	}

	if _, err := h.sched.AttachPlan(context.Background(), testPosition(1.0), []domain.Leg{tp}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	h.pass(t, 52000e6)

	var created int
	for _, leg := range h.sched.Legs("pos1") {
		if leg.Label == "chained" {
			created++
		}
	}
	if created != 3 {
		t.Fatalf("created legs = %d, want cap of 3", created)
	}
}

func TestSchedulerStopOutClosesPosition(t *testing.T) {
	paper := broker.NewPaper(slog.New(slog.NewTextHandler(io.Discard, nil)))
	paper.SetSnapshot(domain.Snapshot{Symbol: "BTC-USDT", MarkTicks: 48000e6})
	h := newHarness(t, paper)

	if _, err := h.sched.AttachPlan(context.Background(), testPosition(1.0), []domain.Leg{
		priceLeg(domain.LegKindStopLoss, "sl", 100, 48000e6),
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := h.ledger.Reserve("pos1", "never", domain.LegKindStopLoss, 1); !errors.Is(err, domain.ErrOverAllocated) {
		t.Fatalf("stop pool should be fully reserved, got %v", err)
	}

	h.pass(t, 48000e6)

	if _, ok := h.sched.Position("pos1"); ok {
		t.Fatal("position still tracked after stop-out")
	}
	if got := h.sink.ofType(domain.EventPositionClosed); len(got) != 1 {
		t.Fatalf("POSITION_CLOSED events = %d", len(got))
	}
	if got := h.sink.ofType(domain.EventStopTriggered); len(got) != 1 {
		t.Fatalf("STOP_TRIGGERED events = %d", len(got))
	}
	// Ledger entry dropped with the position.
	if got := h.ledger.Remaining("pos1", domain.LegKindStopLoss); got != 0 {
		t.Fatalf("ledger entry survives close: %d", got)
	}
}

func TestSchedulerCancelPlanSkipsFiringLegs(t *testing.T) {
	paper := broker.NewPaper(slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, paper)

	if _, err := h.sched.AttachPlan(context.Background(), testPosition(1.0), []domain.Leg{
		priceLeg(domain.LegKindTakeProfit, "tp1", 50, 52000e6),
		priceLeg(domain.LegKindTakeProfit, "tp2", 50, 54000e6),
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := h.sched.CancelPlan(context.Background(), "pos1", domain.ReasonExplicitCancel); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, leg := range h.sched.Legs("pos1") {
		if leg.State != domain.LegStateCancelled {
			t.Fatalf("leg %s state = %s", leg.Label, leg.State)
		}
		if leg.CancelReason != domain.ReasonExplicitCancel {
			t.Fatalf("leg %s reason = %s", leg.Label, leg.CancelReason)
		}
	}
	if got := h.ledger.Remaining("pos1", domain.LegKindTakeProfit); got != domain.Units(1.0) {
		t.Fatalf("remaining = %d, want full pool back", got)
	}
}

func TestSchedulerRestoreRepairsUnappliedActions(t *testing.T) {
	paper := broker.NewPaper(slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, paper)
	ctx := context.Background()

	pos := testPosition(1.0)
	pos.QtyUnits = domain.Units(0.75)
	h.posns.Create(ctx, pos)

	// A crash landed between the fill commit and the action application:
	// the take-profit is FILLED but its breakeven move never ran.
	h.legs.Create(ctx, domain.Leg{
		Ref:         "tp1",
		PositionRef: "pos1",
		Kind:        domain.LegKindTakeProfit,
		Label:       "tp1",
		State:       domain.LegStateFilled,
		Actions: []domain.AfterFillAction{
			{Type: domain.ActionSetSLToBreakeven},
		},
		ReservedUnits: domain.Units(0.25),
		FilledUnits:   domain.Units(0.25),
	})
	h.legs.Create(ctx, domain.Leg{
		Ref:         "sl",
		PositionRef: "pos1",
		Kind:        domain.LegKindStopLoss,
		Label:       "sl",
		State:       domain.LegStateArmed,
		Trigger: domain.Trigger{
			Mode:       domain.TriggerPrice,
			PriceType:  domain.PriceMark,
			ValueTicks: 48000e6,
			Armed:      true,
			ArmedTicks: 48000e6,
		},
		ReservedUnits: domain.Units(0.75),
	})

	if err := h.sched.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	var sl, tp domain.Leg
	for _, leg := range h.sched.Legs("pos1") {
		switch leg.Ref {
		case "sl":
			sl = leg
		case "tp1":
			tp = leg
		}
	}
	if !tp.ActionsApplied {
		t.Fatal("repair did not mark actions applied")
	}
	// The stop moved to entry plus the fee buffer.
	if sl.Trigger.ValueTicks != 50050e6 {
		t.Fatalf("stop trigger = %d, want breakeven 50050e6", sl.Trigger.ValueTicks)
	}
	if err := h.ledger.Check("pos1"); err != nil {
		t.Fatalf("ledger invariant after restore: %v", err)
	}
}

func TestSchedulerFullStopShrinksAfterTakeProfitFill(t *testing.T) {
	paper := broker.NewPaper(slog.New(slog.NewTextHandler(io.Discard, nil)))
	paper.SetSnapshot(domain.Snapshot{Symbol: "BTC-USDT", MarkTicks: 52000e6})
	h := newHarness(t, paper)

	// A full-size stop alongside take-profits covering 75% of the position
	// is a valid plan: the stop protects whatever the take-profits have not
	// yet realized.
	if _, err := h.sched.AttachPlan(context.Background(), testPosition(1.0), []domain.Leg{
		priceLeg(domain.LegKindTakeProfit, "tp1", 25, 52000e6),
		priceLeg(domain.LegKindTakeProfit, "tp2", 50, 55000e6),
		priceLeg(domain.LegKindStopLoss, "sl", 100, 48000e6),
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	h.pass(t, 52000e6)

	pos, ok := h.sched.Position("pos1")
	if !ok {
		t.Fatal("position dropped")
	}
	if pos.QtyUnits != domain.Units(0.75) {
		t.Fatalf("qty = %d, want %d", pos.QtyUnits, domain.Units(0.75))
	}

	byLabel := make(map[string]domain.Leg)
	for _, leg := range h.sched.Legs("pos1") {
		byLabel[leg.Label] = leg
	}
	if byLabel["tp1"].State != domain.LegStateFilled {
		t.Fatalf("tp1 state = %s", byLabel["tp1"].State)
	}
	// The fill shrank the position under the stop: its reservation follows.
	if byLabel["sl"].ReservedUnits != domain.Units(0.75) {
		t.Fatalf("sl reserved = %d, want %d", byLabel["sl"].ReservedUnits, domain.Units(0.75))
	}
	if r := h.ledger.ReservedFor("pos1", byLabel["sl"].Ref); r != domain.Units(0.75) {
		t.Fatalf("sl ledger reservation = %d, want %d", r, domain.Units(0.75))
	}
	// The surviving take-profit keeps its full share.
	if r := h.ledger.ReservedFor("pos1", byLabel["tp2"].Ref); r != domain.Units(0.5) {
		t.Fatalf("tp2 ledger reservation = %d, want %d", r, domain.Units(0.5))
	}
	if err := h.ledger.Check("pos1"); err != nil {
		t.Fatalf("ledger invariant: %v", err)
	}
}

func TestSchedulerPartialFillRefiresUnderFreshRef(t *testing.T) {
	paper := broker.NewPaper(slog.New(slog.NewTextHandler(io.Discard, nil)))
	paper.SetSnapshot(domain.Snapshot{Symbol: "BTC-USDT", MarkTicks: 52000e6})
	paper.FillRatio = 0.5
	rec := &recordingBroker{Paper: paper}
	h := newHarness(t, rec)

	if _, err := h.sched.AttachPlan(context.Background(), testPosition(1.0), []domain.Leg{
		priceLeg(domain.LegKindTakeProfit, "tp", 100, 52000e6),
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	h.pass(t, 52000e6)
	live := h.sched.Legs("pos1")
	if live[0].State != domain.LegStatePartiallyFilled || live[0].FilledUnits != domain.Units(0.5) {
		t.Fatalf("after first fire: state=%s filled=%d", live[0].State, live[0].FilledUnits)
	}

	// The refire must reach the venue as a new order, not replay the first
	// attempt through venue-side client-ref idempotency.
	h.pass(t, 52000e6)
	if len(rec.refs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(rec.refs))
	}
	if rec.refs[0] == rec.refs[1] {
		t.Fatalf("refire reused client ref %s", rec.refs[1])
	}

	live = h.sched.Legs("pos1")
	if live[0].FilledUnits != domain.Units(0.75) {
		t.Fatalf("cumulative fill = %d, want %d", live[0].FilledUnits, domain.Units(0.75))
	}
	pos, ok := h.sched.Position("pos1")
	if !ok {
		t.Fatal("position dropped")
	}
	// Engine accounting matches what the venue actually executed.
	if pos.QtyUnits != domain.Units(0.25) {
		t.Fatalf("qty = %d, want %d", pos.QtyUnits, domain.Units(0.25))
	}
}

func TestSchedulerOverlappingPassesFireEachLegOnce(t *testing.T) {
	paper := broker.NewPaper(slog.New(slog.NewTextHandler(io.Discard, nil)))
	paper.SetSnapshot(domain.Snapshot{Symbol: "BTC-USDT", MarkTicks: 52000e6})
	stall := &stallBroker{Paper: paper, gate: make(chan struct{})}
	h := newHarness(t, stall)

	if _, err := h.sched.AttachPlan(context.Background(), testPosition(1.0), []domain.Leg{
		priceLeg(domain.LegKindTakeProfit, "tp1", 25, 52000e6),
		priceLeg(domain.LegKindTakeProfit, "tp2", 25, 52000e6),
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// First pass collects both legs and parks inside the tp1 submission.
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pass(t, 52000e6)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for stall.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first submission never started")
		}
		time.Sleep(time.Millisecond)
	}

	// A second pass fires tp2 to completion while tp1 is still in flight.
	// When the first pass resumes it must not fire the now-filled tp2 again.
	h.pass(t, 52000e6)
	close(stall.gate)
	<-done

	byLabel := make(map[string]domain.Leg)
	for _, leg := range h.sched.Legs("pos1") {
		byLabel[leg.Label] = leg
	}
	if byLabel["tp1"].State != domain.LegStateFilled {
		t.Fatalf("tp1 state = %s", byLabel["tp1"].State)
	}
	if byLabel["tp2"].State != domain.LegStateFilled {
		t.Fatalf("tp2 state = %s", byLabel["tp2"].State)
	}
	if got := stall.calls.Load(); got != 2 {
		t.Fatalf("venue submissions = %d, want 2", got)
	}
	pos, ok := h.sched.Position("pos1")
	if !ok {
		t.Fatal("position dropped")
	}
	if pos.QtyUnits != domain.Units(0.5) {
		t.Fatalf("qty = %d, want %d", pos.QtyUnits, domain.Units(0.5))
	}
	// No consistency escalation was raised.
	for _, ev := range h.sink.ofType(domain.EventOrderUpdate) {
		if ev.Reason == domain.ReasonConsistency || ev.Reason == domain.ReasonRequiresManualReview {
			t.Fatalf("unexpected escalation event: %+v", ev)
		}
	}
}

func TestSchedulerReconcilesRestingOrder(t *testing.T) {
	venue := newRestingBroker()
	h := newHarness(t, venue)

	leg := priceLeg(domain.LegKindTakeProfit, "tp", 100, 52000e6)
	leg.Exec = domain.ExecSpec{OrderType: domain.OrderTypeLimit, PriceTicks: 52000e6}
	if _, err := h.sched.AttachPlan(context.Background(), testPosition(1.0), []domain.Leg{leg}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// The venue accepts the order without executing it: the leg keeps
	// FIRING and remembers the venue order.
	h.pass(t, 52000e6)
	live := h.sched.Legs("pos1")
	if live[0].State != domain.LegStateFiring {
		t.Fatalf("state = %s, want FIRING", live[0].State)
	}
	if live[0].BrokerOrderID == "" {
		t.Fatal("resting leg lost its venue order id")
	}

	// The next pass polls the venue instead of leaving the leg parked.
	h.pass(t, 52000e6)
	if _, ok := h.sched.Position("pos1"); ok {
		t.Fatal("position still tracked after reconciled full fill")
	}
	stored, err := h.legs.GetByRef(context.Background(), live[0].Ref)
	if err != nil {
		t.Fatalf("leg lookup: %v", err)
	}
	if stored.State != domain.LegStateFilled {
		t.Fatalf("state = %s, want FILLED", stored.State)
	}
	if got := h.sink.ofType(domain.EventPositionClosed); len(got) != 1 {
		t.Fatalf("POSITION_CLOSED events = %d", len(got))
	}
}

func TestSchedulerBreakevenActionIsIdempotent(t *testing.T) {
	paper := broker.NewPaper(slog.New(slog.NewTextHandler(io.Discard, nil)))
	paper.SetSnapshot(domain.Snapshot{Symbol: "BTC-USDT", MarkTicks: 52000e6})
	h := newHarness(t, paper)

	tp1 := priceLeg(domain.LegKindTakeProfit, "tp1", 25, 52000e6)
	tp1.Actions = []domain.AfterFillAction{{Type: domain.ActionSetSLToBreakeven}}
	tp2 := priceLeg(domain.LegKindTakeProfit, "tp2", 25, 53000e6)
	tp2.Actions = []domain.AfterFillAction{{Type: domain.ActionSetSLToBreakeven}}
	sl := priceLeg(domain.LegKindStopLoss, "sl", 100, 48000e6)

	if _, err := h.sched.AttachPlan(context.Background(), testPosition(1.0), []domain.Leg{tp1, tp2, sl}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	stopTrigger := func() (int64, int) {
		var ticks int64
		var stops int
		for _, leg := range h.sched.Legs("pos1") {
			if leg.Kind == domain.LegKindStopLoss && leg.Active() {
				ticks = leg.Trigger.ValueTicks
				stops++
			}
		}
		return ticks, stops
	}

	h.pass(t, 52000e6)
	want := int64(50050e6)
	first, stops := stopTrigger()
	if first != want || stops != 1 {
		t.Fatalf("after first breakeven: trigger=%d stops=%d", first, stops)
	}

	// The second take-profit reapplies the action; the stop must not move
	// again nor gain a sibling.
	paper.SetSnapshot(domain.Snapshot{Symbol: "BTC-USDT", MarkTicks: 53000e6})
	h.pass(t, 53000e6)
	second, stops := stopTrigger()
	if second != first || stops != 1 {
		t.Fatalf("after second breakeven: trigger=%d stops=%d, want unchanged %d and one stop", second, stops, first)
	}
}
