package market

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/fixed"
	"github.com/atmx/rfq-engine/internal/model"
)

// currencyRegex matches a currency or asset code: BTC, USD, XAU, EURUSD0.
var currencyRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

// feedIDRegex matches an oracle feed id: 0x followed by 32 bytes of hex.
// Example: 0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43
var feedIDRegex = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// Params is the caller-supplied configuration of a market.
type Params struct {
	Identifier      string               `json:"identifier"`
	Type            model.MarketType     `json:"type"`
	TradingSession  model.TradingSession `json:"trading_session"`
	Active          bool                 `json:"active"`
	BaseCurrency    string               `json:"base_currency"`
	QuoteCurrency   string               `json:"quote_currency"`
	Symbol          string               `json:"symbol"`
	PriceFeedID     string               `json:"price_feed_id"`
	FundingRateID   string               `json:"funding_rate_id"`
	ProtocolFeeRate decimal.Decimal      `json:"protocol_fee_rate"`
}

// ParseSymbol splits a symbol such as "BTCUSD" given its quote currency.
func ParseSymbol(symbol, quote string) (base string, err error) {
	base, ok := strings.CutSuffix(symbol, quote)
	if !ok || base == "" {
		return "", fmt.Errorf("%w: symbol %s does not end in quote currency %s", model.ErrInvalidArgument, symbol, quote)
	}
	return base, nil
}

// Validate checks p and normalizes its fee rate.
func (p *Params) Validate() error {
	if strings.TrimSpace(p.Identifier) == "" {
		return fmt.Errorf("%w: market identifier is empty", model.ErrInvalidArgument)
	}
	for _, c := range []string{p.BaseCurrency, p.QuoteCurrency} {
		if !currencyRegex.MatchString(c) {
			return fmt.Errorf("%w: currency %q (expected 2-10 of A-Z0-9)", model.ErrInvalidArgument, c)
		}
	}
	base, err := ParseSymbol(p.Symbol, p.QuoteCurrency)
	if err != nil {
		return err
	}
	if base != p.BaseCurrency {
		return fmt.Errorf("%w: symbol %s is not %s+%s", model.ErrInvalidArgument, p.Symbol, p.BaseCurrency, p.QuoteCurrency)
	}
	if err := validateFeedIDs(p.PriceFeedID, p.FundingRateID); err != nil {
		return err
	}
	if !p.Type.Valid() || !p.TradingSession.Valid() {
		return fmt.Errorf("%w: market type or trading session", model.ErrInvalidArgument)
	}
	return validateFeeRate(&p.ProtocolFeeRate)
}

func validateFeedIDs(ids ...string) error {
	for _, id := range ids {
		if id != "" && !feedIDRegex.MatchString(id) {
			return fmt.Errorf("%w: feed id %q (expected 0x + 64 hex digits)", model.ErrInvalidArgument, id)
		}
	}
	return nil
}

func validateFeeRate(rate *decimal.Decimal) error {
	*rate = fixed.Normalize(*rate)
	if rate.IsNegative() || rate.GreaterThanOrEqual(fixed.One) {
		return fmt.Errorf("%w: protocol fee rate %s not in [0, 1)", model.ErrInvalidArgument, rate)
	}
	return nil
}
