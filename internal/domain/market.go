package domain

import "time"

// Snapshot is one instrument's market prices at a point in time. A zero tick
// value means the price type is not available in this snapshot; triggers
// never fire on missing data.
type Snapshot struct {
	Symbol    string
	MarkTicks int64
	LastTicks int64
	BidTicks  int64
	AskTicks  int64
	UpdatedAt time.Time
}

// PriceFor resolves the requested price type against the snapshot. MID is
// derived from bid and ask. The second return value is false when the
// snapshot lacks the requested price (a data gap).
func (s Snapshot) PriceFor(pt PriceType) (int64, bool) {
	switch pt {
	case PriceMark:
		return s.MarkTicks, s.MarkTicks > 0
	case PriceLast:
		return s.LastTicks, s.LastTicks > 0
	case PriceBid:
		return s.BidTicks, s.BidTicks > 0
	case PriceAsk:
		return s.AskTicks, s.AskTicks > 0
	case PriceMid:
		if s.BidTicks > 0 && s.AskTicks > 0 {
			return (s.BidTicks + s.AskTicks) / 2, true
		}
		return 0, false
	}
	return 0, false
}
