package exchange

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// AckStatus normalizes the venue's submission ack into a small set.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckFilled   AckStatus = "filled"
	AckRejected AckStatus = "rejected"
)

// OrderRequest captures an order intent sent to the venue adapter.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         float64
	Price       float64 // required for limit
	TimeInForce TimeInForce
	ClientID    string // client order id, minted by the gateway
}

// OrderResult is the venue ack. FillPrice/FilledQty are populated when
// the venue fills synchronously (paper adapter always does).
type OrderResult struct {
	VenueOrderID string
	ClientID     string
	Status       AckStatus
	FillPrice    float64
	FilledQty    float64
	Fee          float64
}

// PositionSnapshot is the venue's ground-truth view of one position.
type PositionSnapshot struct {
	Symbol        string
	Qty           float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	MarginRatio   float64
	UpdatedAt     time.Time
}
