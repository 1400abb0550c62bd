// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — order and fill
// types, market metadata, order book snapshots, tagged market-event
// variants, and WebSocket wire payloads. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Sign returns +1 for BUY, -1 for SELL. Used for markout direction.
func (s Side) Sign() int {
	if s == SELL {
		return -1
	}
	return 1
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Polymarket supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// Value returns the tick size as a decimal, e.g. Tick001 -> 0.01.
func (t TickSize) Value() decimal.Decimal {
	d, err := decimal.NewFromString(string(t))
	if err != nil {
		return decimal.New(1, -2)
	}
	return d
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderLive      OrderStatus = "LIVE"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
	OrderRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether the order can no longer receive fills or updates.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderExpired, OrderRejected:
		return true
	default:
		return false
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketInfo is the static and last-known-dynamic metadata for one tradeable
// binary market. Populated by the discovery collaborator and passed to the
// quoting core for the assets it is told to trade.
type MarketInfo struct {
	ID          string // market identifier
	ConditionID string // CTF condition ID (used for cancels + user WS subscription)
	Slug        string // human-readable URL slug
	Question    string // the prediction question, e.g. "Will X happen by Y?"

	YesTokenID string // asset ID for the UP/YES outcome
	NoTokenID  string // asset ID for the DOWN/NO outcome, its complementary pair

	TickSize     TickSize        // price granularity (determines rounding)
	MinOrderSize decimal.Decimal // minimum order size in shares
	NegRisk      bool            // true if this is a neg-risk market (affects CTF exchange)

	Active          bool      // market is live
	Closed          bool      // market has been resolved
	AcceptingOrders bool      // exchange is accepting new orders
	EndDate         time.Time // when the market is scheduled to resolve

	RewardsMinSize   decimal.Decimal // minimum size to qualify for liquidity rewards
	RewardsMaxSpread decimal.Decimal // maximum spread to qualify for liquidity rewards
}

// PairAsset returns the complementary asset ID for the given asset ID, if
// asset belongs to this market's YES/NO pair.
func (m MarketInfo) PairAsset(asset string) (string, bool) {
	switch asset {
	case m.YesTokenID:
		return m.NoTokenID, true
	case m.NoTokenID:
		return m.YesTokenID, true
	default:
		return "", false
	}
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order representation produced by the quote
// engine. The order manager converts it to a SignedOrder for the exchange API.
type UserOrder struct {
	TokenID    string          // which asset to trade
	Price      decimal.Decimal // limit price (0 to 1 for binary markets)
	Size       decimal.Decimal // quantity in shares
	Side       Side            // BUY or SELL
	OrderType  OrderType       // GTC
	TickSize   TickSize        // market's price granularity (for amount rounding)
	Expiration int64           // unix timestamp, 0 = no expiry
	FeeRateBps int             // fee rate in basis points
	ClientID   string          // client order id, assigned by the order manager
}

// Order is the authoritative, locally tracked view of a resting or recently
// terminal order, keyed by OrderID.
type Order struct {
	OrderID       string
	Asset         string
	Side          Side
	Price         decimal.Decimal
	OriginalSize  decimal.Decimal
	RemainingSize decimal.Decimal
	Status        OrderStatus
	UpdatedAt     time.Time
}

// Fill is a single trade execution against one of the operator's orders.
type Fill struct {
	TradeID   string // may be empty; Key() synthesizes a stable identity
	OrderID   string
	Asset     string
	Side      Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
}

// Key returns the fill's identity: its trade_id if present, otherwise a
// synthesized "{order_id}:{timestamp_ms}:{size}" key.
func (f Fill) Key() string {
	if f.TradeID != "" {
		return f.TradeID
	}
	return fmt.Sprintf("%s:%d:%s", f.OrderID, f.Timestamp.UnixMilli(), f.Size.String())
}

// PendingFill is a Fill observed on the user stream but not yet reflected in
// an authoritative position snapshot.
type PendingFill struct {
	Fill       Fill
	RecordedAt time.Time
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // CTF token ID
	MakerAmount   *big.Int      `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   *big.Int      `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`    // unix timestamp as string
	Nonce         string        `json:"nonce"`         // replay protection
	FeeRateBps    string        `json:"feeRateBps"`    // fee in basis points as string
	SignatureType SignatureType `json:"signatureType"` // 0 = EOA
	Signature     string        `json:"signature"`     // EIP-712 signature hex
}

// OrderPayload is the REST API request body for POST /orders (batch).
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`              // client order id set by the exchange client
	OrderType OrderType   `json:"orderType"`          // GTC
	PostOnly  bool        `json:"postOnly,omitempty"` // rejects if it would cross
}

// OrderResponse is the REST API response for each order in a batch POST.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // e.g. "live", "matched"
}

// OpenOrder represents a live resting order as reported by the REST
// open-orders snapshot. Fields are strings because the wire format carries
// decimal precision as text.
type OpenOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Market        string `json:"market"`   // condition ID
	AssetID       string `json:"asset_id"` // token ID
	Side          string `json:"side"`     // "BUY" or "SELL"
	OriginalSize  string `json:"original_size"`
	SizeMatched   string `json:"size_matched"`
	RemainingSize string `json:"remaining_size"`
	Price         string `json:"price"`
}

// CancelResponse is returned by DELETE /orders, /cancel-all, /cancel-market-orders.
type CancelResponse struct {
	Canceled []string `json:"canceled"` // IDs of successfully cancelled orders
}

// PositionSnapshot is one entry of the REST /positions authoritative response.
type PositionSnapshot struct {
	AssetID string `json:"asset_id"`
	Size    string `json:"size"`
}

// FeeRateResponse is the REST response from GET /fee-rate.
type FeeRateResponse struct {
	FeeRateBps int `json:"feeRateBps"`
}

// QuotePair represents the desired bid and ask the quote engine wants active
// for a single asset. Nil Bid or Ask means that side should be pulled.
type QuotePair struct {
	Asset       string
	Bid         *UserOrder
	Ask         *UserOrder
	GeneratedAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the application's order book
// mirror, expressed at full decimal precision.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// WireLevel is a single bid or ask level as it appears on the wire (REST or
// WebSocket), where price and size are carried as strings.
type WireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Decimal parses a WireLevel into a PriceLevel. Malformed fields parse to zero.
func (w WireLevel) Decimal() PriceLevel {
	p, _ := decimal.NewFromString(w.Price)
	s, _ := decimal.NewFromString(w.Size)
	return PriceLevel{Price: p, Size: s}
}

// BookResponse is the REST response from GET /book for a single asset.
type BookResponse struct {
	Market       string      `json:"market"`
	AssetID      string      `json:"asset_id"`
	Bids         []WireLevel `json:"bids"`
	Asks         []WireLevel `json:"asks"`
	Hash         string      `json:"hash"`
	Timestamp    string      `json:"timestamp"`
	MinOrderSize string      `json:"min_order_size"`
	TickSize     string      `json:"tick_size"`
	NegRisk      bool        `json:"neg_risk"`
}

// OpenOrdersResponse is the REST response from GET /open-orders.
type OpenOrdersResponse struct {
	Orders []OpenOrder `json:"orders"`
}

// ————————————————————————————————————————————————————————————————————————
// Tagged market-event variants (component A: OrderbookManager)
// ————————————————————————————————————————————————————————————————————————

// MarketEvent is a closed sum of the event kinds the public market stream
// can deliver for one asset. Each concrete type below is the only
// implementation; callers type-switch exhaustively instead of inspecting a
// loosely typed envelope.
type MarketEvent interface {
	Asset() string
	OccurredAt() time.Time
	marketEvent()
}

type marketEventBase struct {
	AssetID   string
	Timestamp time.Time
	Sequence  uint64 // 0 when the feed does not supply one
}

func (b marketEventBase) Asset() string         { return b.AssetID }
func (b marketEventBase) OccurredAt() time.Time { return b.Timestamp }

// BookSnapshotEvent is a full order-book replacement for one asset.
type BookSnapshotEvent struct {
	marketEventBase
	Bids []PriceLevel
	Asks []PriceLevel
	Hash string
}

func (BookSnapshotEvent) marketEvent() {}

// PriceChangeEvent carries one or more incremental level updates for one asset.
type PriceChangeEvent struct {
	marketEventBase
	Changes []PriceLevelChange
	Hash    string
}

func (PriceChangeEvent) marketEvent() {}

// PriceLevelChange is a single level mutation within a PriceChangeEvent.
// Size == 0 means the level is removed.
type PriceLevelChange struct {
	Side  Side
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BestBidAskEvent is the authoritative top-of-book for one asset, the
// preferred input for quote decisions per the streaming contract.
type BestBidAskEvent struct {
	marketEventBase
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
}

func (BestBidAskEvent) marketEvent() {}

// LastTradePriceEvent feeds the momentum detector.
type LastTradePriceEvent struct {
	marketEventBase
	Price decimal.Decimal
}

func (LastTradePriceEvent) marketEvent() {}

// TickSizeChangeEvent updates the tick size an asset's quotes must conform to.
type TickSizeChangeEvent struct {
	marketEventBase
	TickSize TickSize
}

func (TickSizeChangeEvent) marketEvent() {}

// NewMarketEventBase is a constructor helper for the embedded base fields,
// used by translators outside this package.
func NewMarketEventBase(asset string, ts time.Time, seq uint64) marketEventBase {
	return marketEventBase{AssetID: asset, Timestamp: ts, Sequence: seq}
}

// The embedded marketEventBase field is unexported, so packages outside
// pkg/types cannot populate it via a keyed struct literal. The constructors
// below are the supported way for translators (internal/exchange,
// internal/orderbook) to build each concrete event variant.

// NewBookSnapshotEvent builds a full order-book replacement event.
func NewBookSnapshotEvent(asset string, ts time.Time, seq uint64, bids, asks []PriceLevel, hash string) BookSnapshotEvent {
	return BookSnapshotEvent{marketEventBase: NewMarketEventBase(asset, ts, seq), Bids: bids, Asks: asks, Hash: hash}
}

// NewPriceChangeEvent builds an incremental order-book update event.
func NewPriceChangeEvent(asset string, ts time.Time, seq uint64, changes []PriceLevelChange, hash string) PriceChangeEvent {
	return PriceChangeEvent{marketEventBase: NewMarketEventBase(asset, ts, seq), Changes: changes, Hash: hash}
}

// NewBestBidAskEvent builds an authoritative top-of-book event.
func NewBestBidAskEvent(asset string, ts time.Time, seq uint64, bestBid, bestAsk decimal.Decimal) BestBidAskEvent {
	return BestBidAskEvent{marketEventBase: NewMarketEventBase(asset, ts, seq), BestBid: bestBid, BestAsk: bestAsk}
}

// NewLastTradePriceEvent builds a last-trade-price event.
func NewLastTradePriceEvent(asset string, ts time.Time, seq uint64, price decimal.Decimal) LastTradePriceEvent {
	return LastTradePriceEvent{marketEventBase: NewMarketEventBase(asset, ts, seq), Price: price}
}

// NewTickSizeChangeEvent builds a tick-size-change event.
func NewTickSizeChangeEvent(asset string, ts time.Time, seq uint64, tick TickSize) TickSizeChangeEvent {
	return TickSizeChangeEvent{marketEventBase: NewMarketEventBase(asset, ts, seq), TickSize: tick}
}

// SequenceOf returns the sequence number carried by evt, or 0 when the feed
// supplied none or evt is not one of the known event variants.
func SequenceOf(evt MarketEvent) uint64 {
	switch e := evt.(type) {
	case BookSnapshotEvent:
		return e.Sequence
	case PriceChangeEvent:
		return e.Sequence
	case BestBidAskEvent:
		return e.Sequence
	case LastTradePriceEvent:
		return e.Sequence
	case TickSizeChangeEvent:
		return e.Sequence
	default:
		return 0
	}
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket wire payloads
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages sent over the exchange
// WebSocket. Market channel events: "book", "price_change", "best_bid_ask",
// "last_trade_price", "tick_size_change". User channel events: "trade",
// "order".

// WSBookEvent is a full order book snapshot from the market WS channel.
type WSBookEvent struct {
	EventType string      `json:"event_type"` // always "book"
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Timestamp string      `json:"timestamp"`
	Hash      string      `json:"hash"`
	Buys      []WireLevel `json:"buys"`
	Sells     []WireLevel `json:"sells"`
}

// WSPriceChange is a single price level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	Hash    string `json:"hash"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// WSPriceChangeEvent is an incremental order book update from the market WS.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	AssetID      string          `json:"asset_id"`
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSBestBidAskEvent is the authoritative top-of-book push.
type WSBestBidAskEvent struct {
	EventType string `json:"event_type"` // always "best_bid_ask"
	AssetID   string `json:"asset_id"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Timestamp string `json:"timestamp"`
}

// WSLastTradePriceEvent carries the exchange's most recent print for an asset.
type WSLastTradePriceEvent struct {
	EventType string `json:"event_type"` // always "last_trade_price"
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// WSTickSizeChangeEvent updates an asset's tick size mid-session.
type WSTickSizeChangeEvent struct {
	EventType string `json:"event_type"` // always "tick_size_change"
	AssetID   string `json:"asset_id"`
	TickSize  string `json:"tick_size"`
	Timestamp string `json:"timestamp"`
}

// WSTradeEvent is a fill notification from the user WS channel.
type WSTradeEvent struct {
	EventType string `json:"event_type"` // always "trade"
	ID        string `json:"id"`         // trade ID
	Market    string `json:"market"`     // condition ID
	AssetID   string `json:"asset_id"`   // token ID that was traded
	Side      string `json:"side"`       // our side: "BUY" or "SELL"
	Size      string `json:"size"`
	Price     string `json:"price"`
	FeeRate   string `json:"fee_rate_bps"`
	Timestamp string `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user WS channel.
type WSOrderEvent struct {
	EventType       string   `json:"event_type"` // always "order"
	ID              string   `json:"id"`
	Market          string   `json:"market"`
	AssetID         string   `json:"asset_id"`
	Side            string   `json:"side"`
	Price           string   `json:"price"`
	OriginalSize    string   `json:"original_size"`
	SizeMatched     string   `json:"size_matched"`
	RemainingSize   string   `json:"remaining_size"`
	Owner           string   `json:"owner"`
	Timestamp       string   `json:"timestamp"`
	Type            string   `json:"type"` // "PLACEMENT", "UPDATE", "CANCELLATION"
	Status          string   `json:"status"`
	AssociateTrades []string `json:"associate_trades"`
}

// WSSubscribeMsg is the initial subscription message sent when connecting
// to a WebSocket channel. For user channels, Auth must be provided.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`
	Type     string   `json:"type"` // "market" or "user"
	Markets  []string `json:"markets,omitempty"`
	AssetIDs []string `json:"assets_ids,omitempty"`
}

// WSAuth contains the L2 API credentials for authenticating the user WS channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg is sent to dynamically subscribe or unsubscribe after the
// initial connection is established.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}
