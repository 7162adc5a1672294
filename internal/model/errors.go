package model

import "errors"

// Caller-visible error taxonomy. Every one of these aborts the operation that
// returned it with no state change. Packages wrap them with context using
// fmt.Errorf("%w: ...").
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientMargin  = errors.New("insufficient margin")
	ErrInvalidParty        = errors.New("invalid party")
	ErrInvalidState        = errors.New("invalid state")
	ErrRequestTimeout      = errors.New("request timeout not elapsed")
	ErrSolvencyBreach      = errors.New("solvency safeguard breached")
	ErrMarketInactive      = errors.New("market inactive")
	ErrNotFound            = errors.New("not found")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrExposureLimit       = errors.New("exposure limit exceeded")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrInsufficientMargin, "InsufficientMargin"},
	{ErrInvalidParty, "InvalidParty"},
	{ErrInvalidState, "InvalidState"},
	{ErrRequestTimeout, "RequestTimeout"},
	{ErrSolvencyBreach, "SolvencyBreach"},
	{ErrMarketInactive, "MarketInactive"},
	{ErrNotFound, "NotFound"},
	{ErrInvalidArgument, "InvalidArgument"},
	{ErrExposureLimit, "ExposureLimit"},
}

// Kind returns the taxonomy name of err, "OK" for nil and "Internal" for
// anything outside the taxonomy.
func Kind(err error) string {
	if err == nil {
		return "OK"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}
