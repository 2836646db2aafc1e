package risk

import (
	"math"
	"time"

	"riptide/internal/indicator"
	"riptide/internal/market"
)

// Account 是风控需要的最小资金视图，由 portfolio 实现。
type Account interface {
	Equity() float64
	FreeMargin() float64
	OpenPositionCount() int
	PositionQty(symbol string, side market.Side) float64
}

// Params 是风控引擎的静态参数（来自 resolved config 的 risk.*）。
type Params struct {
	RPerTrade                float64
	MinStopDistance          float64
	MinStopDistancePct       float64
	MaxPositions             int
	MaxNotionalPctEquity     float64
	MaintenanceFreeMarginPct float64
	MaxLeverage              float64
	LotSize                  float64
	Mode                     Mode
}

// Engine 把信号转成 OrderIntent 或拒绝决策。同样的输入永远给出
// 同样的 Resolution 与同样的拒绝序列。
type Engine struct {
	params Params
}

func NewEngine(params Params) *Engine {
	if params.LotSize <= 0 {
		params.LotSize = 1e-8
	}
	if params.MaxLeverage <= 0 {
		params.MaxLeverage = 1
	}
	return &Engine{params: params}
}

// Mode 返回运行的止损解析模式字符串（run_status 用）。
func (e *Engine) Mode() Mode { return e.params.Mode }

// Evaluate 处理一条已消解冲突的信号。返回 (intent, decision)：
// intent 为 nil 表示拒绝，decision 总是非空。归一化层面的契约违规
// 以 error 返回并由引擎按致命错误处理。
func (e *Engine) Evaluate(ts time.Time, sig market.Signal, bar market.Bar, prevBar *market.Bar, acct Account, reg *indicator.Registry) (*market.OrderIntent, market.Decision, error) {
	if !sig.Side.Valid() {
		return nil, market.Decision{}, market.NewFault(market.FaultStrategy,
			"%s: signal side 非法: %q", sig.Symbol, sig.Side)
	}
	if sig.IsExit() {
		intent, decision := e.evaluateExit(ts, sig, acct)
		return intent, decision, nil
	}
	return e.evaluateEntry(ts, sig, bar, prevBar, acct, reg)
}

// evaluateExit：平仓信号短路，按当前持仓数量出 reduce-only 意图，
// 完全绕过止损解析。
func (e *Engine) evaluateExit(ts time.Time, sig market.Signal, acct Account) (*market.OrderIntent, market.Decision) {
	posSide := sig.Side.Opposite()
	qty := acct.PositionQty(sig.Symbol, posSide)
	if reduceQty, ok := sig.MetaFloat("reduce_qty"); ok && reduceQty > 0 && reduceQty < qty {
		qty = reduceQty
	}
	if qty <= 0 {
		return nil, e.reject(ts, sig, RejectCloseOnlyNoPosition, map[string]any{"position_side": string(posSide)})
	}
	meta := market.IntentMeta{
		ReasonCode:         ApprovedCloseOnly,
		ReduceOnly:         true,
		RMetricsValid:      false,
		StopResolutionMode: e.params.Mode.StopResolutionMode,
	}
	intent := &market.OrderIntent{
		TSCreated: ts, Symbol: sig.Symbol, Side: sig.Side,
		OrderType: market.OrderTypeMarket, Qty: qty, Meta: meta,
	}
	return intent, market.Decision{
		TS: ts, Symbol: sig.Symbol, Accepted: true, ReasonCode: ApprovedCloseOnly,
		Metadata: map[string]any{"qty": qty, "reduce_only": true, "signal_type": sig.SignalType},
	}
}

func (e *Engine) evaluateEntry(ts time.Time, sig market.Signal, bar market.Bar, prevBar *market.Bar, acct Account, reg *indicator.Registry) (*market.OrderIntent, market.Decision, error) {
	entryPrice := bar.Close
	if entryPrice <= 0 {
		return nil, market.Decision{}, market.NewFault(market.FaultRisk,
			"%s: entry price 必须 > 0, got %v", sig.Symbol, entryPrice)
	}

	// 1. 归一化止损意图。
	spec, err := NormalizeStopSpec(sig)
	if err != nil {
		return nil, market.Decision{}, err
	}
	if spec == nil {
		switch {
		case e.params.Mode.StopResolutionMode == "strict":
			return nil, e.reject(ts, sig, RejectStopUnresolvableStrict, nil), nil
		case !e.params.Mode.AllowLegacyProxy:
			return nil, e.reject(ts, sig, RejectStopUnresolvableNoProxy, nil), nil
		default:
			spec = LegacyProxySpec()
		}
	}

	// 2. 解析止损价距。
	res := ResolveStop(spec, sig.Symbol, sig.Side, entryPrice, prevBar, reg, e.params.Mode.HybridPolicy)
	if !res.IsValid {
		return nil, e.reject(ts, sig, res.RejectCode, res.Details), nil
	}
	minDistance := e.params.MinStopDistance
	if pctFloor := e.params.MinStopDistancePct * entryPrice; pctFloor > minDistance {
		minDistance = pctFloor
	}
	if res.StopDistance < minDistance {
		return nil, e.reject(ts, sig, RejectMinStopDistance, map[string]any{
			"stop_distance": res.StopDistance, "min_stop_distance": minDistance,
		}), nil
	}

	// 3. 等权益百分比 R 模型定仓。
	equity := acct.Equity()
	riskAmount := e.params.RPerTrade * equity
	if riskAmount <= 0 {
		return nil, e.reject(ts, sig, RejectSizingError, map[string]any{"risk_amount": riskAmount}), nil
	}
	qty := riskAmount / res.StopDistance
	qty = math.Floor(qty/e.params.LotSize) * e.params.LotSize
	if qty <= 0 {
		return nil, e.reject(ts, sig, RejectSizingError, map[string]any{
			"risk_amount": riskAmount, "stop_distance": res.StopDistance, "lot_size": e.params.LotSize,
		}), nil
	}

	// 4. 守门：仓位数 → 名义市值 → 保证金，首个失败即拒绝（顺序固定）。
	guardrails := map[string]any{}
	if acct.OpenPositionCount() >= e.params.MaxPositions {
		return nil, e.reject(ts, sig, RejectMaxPositions, map[string]any{
			"open_positions": acct.OpenPositionCount(), "max_positions": e.params.MaxPositions,
		}), nil
	}
	notional := qty * entryPrice
	notionalCap := e.params.MaxNotionalPctEquity * equity
	guardrails["notional"] = notional
	guardrails["notional_cap"] = notionalCap
	if notional > notionalCap {
		return nil, e.reject(ts, sig, RejectNotionalCap, guardrails), nil
	}
	marginRequired := notional / e.params.MaxLeverage
	freeMarginAfter := acct.FreeMargin() - marginRequired
	maintenance := e.params.MaintenanceFreeMarginPct * equity
	guardrails["margin_required"] = marginRequired
	guardrails["free_margin_after"] = freeMarginAfter
	guardrails["maintenance_required"] = maintenance
	if freeMarginAfter < maintenance {
		return nil, e.reject(ts, sig, RejectInsufficientMargin, guardrails), nil
	}

	// 5. 放行。
	rMetricsValid := !res.UsedFallback
	meta := market.IntentMeta{
		RiskAmount:         riskAmount,
		StopDistance:       res.StopDistance,
		StopPrice:          res.StopPrice,
		StopSource:         res.StopSource,
		StopDetails:        res.Details,
		RMetricsValid:      rMetricsValid,
		UsedLegacyProxy:    res.UsedFallback,
		StopResolutionMode: e.params.Mode.StopResolutionMode,
		ReasonCode:         res.ReasonCode,
		Guardrails:         guardrails,
	}
	intent := &market.OrderIntent{
		TSCreated: ts, Symbol: sig.Symbol, Side: sig.Side,
		OrderType: market.OrderTypeMarket, Qty: qty, Meta: meta,
	}
	decision := market.Decision{
		TS: ts, Symbol: sig.Symbol, Accepted: true, ReasonCode: res.ReasonCode,
		Metadata: map[string]any{
			"qty":                    qty,
			"risk_amount":            riskAmount,
			"stop_distance":          res.StopDistance,
			"stop_source":            res.StopSource,
			"r_metrics_valid":        rMetricsValid,
			"used_legacy_stop_proxy": res.UsedFallback,
			"signal_type":            sig.SignalType,
		},
	}
	return intent, decision, nil
}

func (e *Engine) reject(ts time.Time, sig market.Signal, code string, details map[string]any) market.Decision {
	metadata := map[string]any{"signal_type": sig.SignalType, "side": string(sig.Side)}
	for k, v := range details {
		metadata[k] = v
	}
	return market.Decision{TS: ts, Symbol: sig.Symbol, Accepted: false, ReasonCode: code, Metadata: metadata}
}
