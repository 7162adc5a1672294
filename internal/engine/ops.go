package engine

// Operation identifiers. They label metrics, name journal entries and key the
// dispatch table.
const (
	OpDeposit            = "deposit"
	OpWithdraw           = "withdraw"
	OpAllocate           = "allocate"
	OpDeallocate         = "deallocate"
	OpDepositAndAllocate = "deposit_and_allocate"
	OpAddFreeMargin      = "add_free_margin"
	OpRemoveFreeMargin   = "remove_free_margin"

	OpAddFreeMarginIsolated = "add_free_margin_isolated"

	OpCreateMarket    = "create_market"
	OpUpdateMarket    = "update_market"
	OpSetMarketActive = "set_market_active"

	OpEnlistHedger      = "enlist_hedger"
	OpUpdatePricingURLs = "update_pricing_wss_urls"
	OpUpdateMarketsURLs = "update_markets_https_urls"

	OpCreateQuote        = "create_quote"
	OpCancelQuote        = "cancel_quote"
	OpForceCancelQuote   = "force_cancel_quote"
	OpFillQuote          = "fill_quote"
	OpRequestClose       = "request_close"
	OpCancelCloseRequest = "cancel_close_request"
	OpFillClose          = "fill_close"

	OpLiquidateIsolated = "liquidate_isolated"
	OpLiquidateCross    = "liquidate_cross"
)
