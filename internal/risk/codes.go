package risk

// 稳定的决策码常量。写进 decisions.jsonl / run_status.json 之后就是
// 对外契约，只增不改。
const (
	RejectInsufficientMargin      = "risk_rejected:insufficient_margin"
	RejectMaxPositions            = "risk_rejected:max_positions"
	RejectNotionalCap             = "risk_rejected:notional_cap"
	RejectStopUnresolvable        = "risk_rejected:stop_unresolvable"
	RejectStopUnresolvableStrict  = "risk_rejected:stop_unresolvable:strict"
	RejectStopUnresolvableNoProxy = "risk_rejected:stop_unresolvable:safe_no_proxy"
	RejectMinStopDistance         = "risk_rejected:min_stop_distance"
	RejectInvalidStopDistance     = "risk_rejected:invalid_stop_distance"
	RejectIndicatorNotReady       = "rejected_indicator_not_ready"
	RejectSizingError             = "risk_rejected:sizing_error"
	RejectCloseOnlyNoPosition     = "risk_rejected:close_only_no_position"

	ResolvedExplicit    = "resolved_explicit"
	ResolvedStructural  = "resolved_structural"
	ResolvedATR         = "resolved_atr"
	ResolvedHybrid      = "resolved_hybrid"
	FallbackLegacyProxy = "fallback_legacy_proxy"

	ApprovedCloseOnly = "risk_approved:close_only"

	LiquidationEndOfRun = "liquidation:end_of_run"
	LiquidationMargin   = "liquidation:negative_free_margin"

	ConflictNetOut = "conflict:net_out"
)

// 旧版 stop_source 标签。即便 reason_code 更丰富，产物里的 stop_source
// 仍保留这些历史值以兼容下游。
const (
	SourceExplicitStopPrice  = "explicit_stop_price"
	SourceStructuralStop     = "structural_stop"
	SourceATRMultiple        = "atr_multiple"
	SourceHybrid             = "hybrid"
	SourceLegacyHighLowProxy = "legacy_high_low_proxy"
)
