// Package model defines the core domain types shared across the engine.
// All monetary values use shopspring/decimal with at most 18 fractional
// digits, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds one party's collateral buckets. The four buckets always sum
// to what the party has deposited, minus withdrawals, plus what settlement
// moved in from other parties.
type Account struct {
	Party           string          `json:"party" db:"party"`
	FreeBalance     decimal.Decimal `json:"free_balance" db:"free_balance"`
	AllocatedMargin decimal.Decimal `json:"allocated_margin" db:"allocated_margin"`
	LockedMargin    decimal.Decimal `json:"locked_margin" db:"locked_margin"`
	ReservedMargin  decimal.Decimal `json:"reserved_margin" db:"reserved_margin"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Total is the sum of all four buckets.
func (a Account) Total() decimal.Decimal {
	return a.FreeBalance.Add(a.AllocatedMargin).Add(a.LockedMargin).Add(a.ReservedMargin)
}

// Market is a tradable instrument. ID and CreatedAt never change once set.
type Market struct {
	ID              uint64          `json:"id" db:"id"`
	Identifier      string          `json:"identifier" db:"identifier"`
	Type            MarketType      `json:"type" db:"type"`
	TradingSession  TradingSession  `json:"trading_session" db:"trading_session"`
	Active          bool            `json:"active" db:"active"`
	BaseCurrency    string          `json:"base_currency" db:"base_currency"`
	QuoteCurrency   string          `json:"quote_currency" db:"quote_currency"`
	Symbol          string          `json:"symbol" db:"symbol"`
	PriceFeedID     string          `json:"price_feed_id" db:"price_feed_id"`
	FundingRateID   string          `json:"funding_rate_id" db:"funding_rate_id"`
	ProtocolFeeRate decimal.Decimal `json:"protocol_fee_rate" db:"protocol_fee_rate"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Hedger is a market maker allowed to act as partyB on quotes.
type Hedger struct {
	Address          string    `json:"address"`
	PricingWssURLs   []string  `json:"pricing_wss_urls"`
	MarketsHTTPSURLs []string  `json:"markets_https_urls"`
	EnlistedAt       time.Time `json:"enlisted_at"`
}

// Quote is a request for quote from partyA addressed to hedger partyB.
type Quote struct {
	ID                uint64          `json:"id"`
	PartyA            string          `json:"party_a"`
	PartyB            string          `json:"party_b"`
	MarketID          uint64          `json:"market_id"`
	Side              Side            `json:"side"`
	MarginMode        MarginMode      `json:"margin_mode"`
	NotionalUSD       decimal.Decimal `json:"notional_usd"`
	Leverage          decimal.Decimal `json:"leverage"`
	RequiredMargin    decimal.Decimal `json:"required_margin"`
	ProtocolFee       decimal.Decimal `json:"protocol_fee"`
	LiquidationFee    decimal.Decimal `json:"liquidation_fee"`
	CVA               decimal.Decimal `json:"cva"`
	State             QuoteState      `json:"state"`
	CreatedAt         time.Time       `json:"created_at"`
	CancelRequestedAt time.Time       `json:"cancel_requested_at"`
}

// CollateralPerParty is what each side locks once the quote is filled:
// principal, liquidation fee and CVA.
func (q Quote) CollateralPerParty() decimal.Decimal {
	return q.RequiredMargin.Add(q.LiquidationFee).Add(q.CVA)
}

// Reserved is the amount held from partyA while the quote is pending.
func (q Quote) Reserved() decimal.Decimal {
	return q.CollateralPerParty().Add(q.ProtocolFee)
}

// Position is a live trade between partyA and partyB.
type Position struct {
	ID               uint64          `json:"id"`
	QuoteID          uint64          `json:"quote_id"`
	PartyA           string          `json:"party_a"`
	PartyB           string          `json:"party_b"`
	MarketID         uint64          `json:"market_id"`
	Side             Side            `json:"side"`
	MarginMode       MarginMode      `json:"margin_mode"`
	NotionalUSD      decimal.Decimal `json:"notional_usd"`
	LockedMarginA    decimal.Decimal `json:"locked_margin_a"`
	LockedMarginB    decimal.Decimal `json:"locked_margin_b"`
	LiquidationFee   decimal.Decimal `json:"liquidation_fee"`
	CVA              decimal.Decimal `json:"cva"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	OpenedAt         time.Time       `json:"opened_at"`
	CloseRequestedBy string          `json:"close_requested_by,omitempty"`
	CloseRequestedAt time.Time       `json:"close_requested_at"`
}

// HasParty reports whether party is partyA or partyB.
func (p Position) HasParty(party string) bool {
	return party == p.PartyA || party == p.PartyB
}

// Counterparty returns the other side of party.
func (p Position) Counterparty(party string) string {
	if party == p.PartyA {
		return p.PartyB
	}
	return p.PartyA
}

// Principal is the margin party committed to the position, without fees.
func (p Position) Principal(party string) decimal.Decimal {
	if party == p.PartyA {
		return p.LockedMarginA
	}
	return p.LockedMarginB
}

// LockedTotal is everything party has locked for this position.
func (p Position) LockedTotal(party string) decimal.Decimal {
	return p.Principal(party).Add(p.LiquidationFee).Add(p.CVA)
}

// PricePair is a verified bid/ask snapshot supplied by the caller.
type PricePair struct {
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

// Prices maps position IDs to their current bid/ask.
type Prices map[uint64]PricePair

// Entry is an immutable journal record of one committed effect. Kind narrows
// Op when one operation produces several effects (fee, cva, pnl, ...).
type Entry struct {
	ID           string          `json:"id" db:"id"`
	Op           string          `json:"op" db:"op"`
	Kind         string          `json:"kind,omitempty" db:"kind"`
	Party        string          `json:"party" db:"party"`
	Counterparty string          `json:"counterparty,omitempty" db:"counterparty"`
	MarketID     uint64          `json:"market_id,omitempty" db:"market_id"`
	QuoteID      uint64          `json:"quote_id,omitempty" db:"quote_id"`
	PositionID   uint64          `json:"position_id,omitempty" db:"position_id"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	PnL          decimal.Decimal `json:"pnl" db:"pnl"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}
