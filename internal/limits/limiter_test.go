package limits

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/rfq-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func crypto(id uint64) Bucket { return Bucket{MarketID: id, Group: model.Crypto} }

func forex(id uint64) Bucket { return Bucket{MarketID: id, Group: model.Forex} }

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(5000))

	if err := limiter.CheckLimit(crypto(1), d(100), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerMarketExceeded(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(5000))

	// Existing 950 + new 100 = 1050 > 1000.
	existing := map[Bucket]decimal.Decimal{crypto(1): d(950)}

	err := limiter.CheckLimit(crypto(1), d(100), existing)
	if !errors.Is(err, model.ErrExposureLimit) {
		t.Errorf("expected ErrExposureLimit, got %v", err)
	}
}

func TestCheckLimit_ShortSideCounted(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(0))

	existing := map[Bucket]decimal.Decimal{crypto(1): d(-950)}

	err := limiter.CheckLimit(crypto(1), d(-100), existing)
	if !errors.Is(err, model.ErrExposureLimit) {
		t.Errorf("expected ErrExposureLimit for short exposure, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(2000))

	existing := map[Bucket]decimal.Decimal{
		crypto(1): d(800),
		crypto(2): d(-800), // opposite direction still counts as exposure
		crypto(3): d(300),
	}

	// total = 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit(crypto(4), d(200), existing)
	if !errors.Is(err, model.ErrExposureLimit) {
		t.Errorf("expected ErrExposureLimit, got %v", err)
	}
}

func TestCheckLimit_OtherGroupsIgnored(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(2000))

	existing := map[Bucket]decimal.Decimal{
		crypto(1): d(800),
		forex(2):  d(900),
	}

	// Correlated total = 500 + 800 = 1300 < 2000 (forex excluded).
	if err := limiter.CheckLimit(crypto(3), d(500), existing); err != nil {
		t.Errorf("other market types should be ignored, got %v", err)
	}
}

func TestCheckLimit_OffsettingTradeReducesExposure(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(5000))

	existing := map[Bucket]decimal.Decimal{crypto(1): d(800)}

	// 800 - 200 = 600 < 1000.
	if err := limiter.CheckLimit(crypto(1), d(-200), existing); err != nil {
		t.Errorf("offsetting trade should reduce exposure, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewExposureLimiter(decimal.Zero, decimal.Zero)
	if limiter.Enabled() {
		t.Fatal("zero limits should disable the limiter")
	}

	existing := map[Bucket]decimal.Decimal{crypto(1): d(1e12)}
	if err := limiter.CheckLimit(crypto(1), d(1e12), existing); err != nil {
		t.Errorf("disabled limiter should accept everything, got %v", err)
	}

	var nilLimiter *ExposureLimiter
	if err := nilLimiter.CheckLimit(crypto(1), d(1), nil); err != nil {
		t.Errorf("nil limiter should accept everything, got %v", err)
	}
}
