package domain

import "time"

// PriceLevel is a single price+quantity entry in an order book.
type PriceLevel struct {
	Price float64
	Qty   float64
}

// OrderBookSnapshot is a full depth snapshot for a symbol. It is immutable
// once captured; a fresh fetch replaces it wholesale.
type OrderBookSnapshot struct {
	Symbol       string
	Timestamp    time.Time
	LastUpdateID int64
	Bids         []PriceLevel // sorted by price descending
	Asks         []PriceLevel // sorted by price ascending
}

// BestBid returns the top bid level, or a zero level when the side is empty.
func (s OrderBookSnapshot) BestBid() PriceLevel {
	if len(s.Bids) == 0 {
		return PriceLevel{}
	}
	return s.Bids[0]
}

// BestAsk returns the top ask level, or a zero level when the side is empty.
func (s OrderBookSnapshot) BestAsk() PriceLevel {
	if len(s.Asks) == 0 {
		return PriceLevel{}
	}
	return s.Asks[0]
}

// MidPrice returns the bid/ask midpoint, or 0 when either side is empty.
func (s OrderBookSnapshot) MidPrice() float64 {
	bb, ba := s.BestBid(), s.BestAsk()
	if bb.Price <= 0 || ba.Price <= 0 {
		return 0
	}
	return (bb.Price + ba.Price) / 2
}

// SpreadBps returns the bid/ask spread in basis points of the mid price.
func (s OrderBookSnapshot) SpreadBps() float64 {
	mid := s.MidPrice()
	if mid <= 0 {
		return 0
	}
	return (s.BestAsk().Price - s.BestBid().Price) / mid * 10000
}

// TradeRecord is a single aggregated trade. Records are immutable; once
// ingested they are owned by the streaming trade buffer.
type TradeRecord struct {
	AggTradeID   int64
	Symbol       string
	Price        float64
	Qty          float64
	Timestamp    time.Time
	IsBuyerMaker bool
}

// AggressorSide returns the taker side: SideSell when the buyer was the
// maker, SideBuy otherwise.
func (t TradeRecord) AggressorSide() Side {
	if t.IsBuyerMaker {
		return SideSell
	}
	return SideBuy
}

// MarkPriceInfo carries the mark price and funding state for a symbol.
type MarkPriceInfo struct {
	Symbol          string
	MarkPrice       float64
	IndexPrice      float64
	LastFundingRate float64
	NextFundingTime time.Time
	Timestamp       time.Time
}

// Side is an order or aggressor side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}
