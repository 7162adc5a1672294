package model

import (
	"fmt"
	"strings"
)

// Side is the direction partyA takes.
type Side int

const (
	Buy Side = iota + 1
	Sell
)

var sideNames = []string{"BUY", "SELL"}

func (s Side) String() string { return enumName(sideNames, int(s)) }

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return validEnum(sideNames, int(s)) }

func (s Side) MarshalText() ([]byte, error) { return marshalEnum(sideNames, int(s)) }

func (s *Side) UnmarshalText(b []byte) error { return unmarshalEnum(sideNames, b, (*int)(s)) }

// ========================================================

// MarginMode says whether a position is backed by its own margin or by the
// party's shared cross pool.
type MarginMode int

const (
	Isolated MarginMode = iota + 1
	Cross
)

var marginModeNames = []string{"ISOLATED", "CROSS"}

func (m MarginMode) String() string { return enumName(marginModeNames, int(m)) }

func (m MarginMode) Valid() bool { return validEnum(marginModeNames, int(m)) }

func (m MarginMode) MarshalText() ([]byte, error) { return marshalEnum(marginModeNames, int(m)) }

func (m *MarginMode) UnmarshalText(b []byte) error {
	return unmarshalEnum(marginModeNames, b, (*int)(m))
}

// ========================================================

// QuoteState is the RFQ lifecycle state. Filled quotes are deleted, so there
// is no FILLED value.
type QuoteState int

const (
	QuoteOpen QuoteState = iota + 1
	QuoteCancelationRequested
	QuoteCanceled
)

var quoteStateNames = []string{"OPEN", "CANCELATION_REQUESTED", "CANCELED"}

func (s QuoteState) String() string { return enumName(quoteStateNames, int(s)) }

func (s QuoteState) MarshalText() ([]byte, error) { return marshalEnum(quoteStateNames, int(s)) }

func (s *QuoteState) UnmarshalText(b []byte) error {
	return unmarshalEnum(quoteStateNames, b, (*int)(s))
}

// ========================================================

// MarketType is the asset class. Markets of the same type form one
// correlated exposure group.
type MarketType int

const (
	Forex MarketType = iota + 1
	Metals
	Crypto
	Stock
)

var marketTypeNames = []string{"FOREX", "METALS", "CRYPTO", "STOCK"}

func (t MarketType) String() string { return enumName(marketTypeNames, int(t)) }

func (t MarketType) Valid() bool { return validEnum(marketTypeNames, int(t)) }

func (t MarketType) MarshalText() ([]byte, error) { return marshalEnum(marketTypeNames, int(t)) }

func (t *MarketType) UnmarshalText(b []byte) error {
	return unmarshalEnum(marketTypeNames, b, (*int)(t))
}

// ========================================================

// TradingSession is when the underlying market trades.
type TradingSession int

const (
	Session24x7 TradingSession = iota + 1
	Session24x5
)

var sessionNames = []string{"24/7", "24/5"}

func (s TradingSession) String() string { return enumName(sessionNames, int(s)) }

func (s TradingSession) Valid() bool { return validEnum(sessionNames, int(s)) }

func (s TradingSession) MarshalText() ([]byte, error) { return marshalEnum(sessionNames, int(s)) }

func (s *TradingSession) UnmarshalText(b []byte) error {
	return unmarshalEnum(sessionNames, b, (*int)(s))
}

// ========================================================

// Enum values start at 1 so an omitted field decodes to an invalid zero.

func validEnum(names []string, v int) bool {
	return v >= 1 && v <= len(names)
}

func enumName(names []string, v int) string {
	if !validEnum(names, v) {
		return "unknown"
	}
	return names[v-1]
}

func marshalEnum(names []string, v int) ([]byte, error) {
	if !validEnum(names, v) {
		return nil, fmt.Errorf("%w: enum value %d", ErrInvalidArgument, v)
	}
	return []byte(names[v-1]), nil
}

func unmarshalEnum(names []string, b []byte, dst *int) error {
	s := strings.ToUpper(strings.TrimSpace(string(b)))
	for i, n := range names {
		if n == s {
			*dst = i + 1
			return nil
		}
	}
	return fmt.Errorf("%w: unknown value %q", ErrInvalidArgument, s)
}
