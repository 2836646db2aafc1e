package market

import "time"

// OrderType 当前仅支持市价单。
type OrderType string

const OrderTypeMarket OrderType = "MARKET"

// IntentMeta 携带风控决策的来龙去脉，随订单一路传到成交与平仓记录。
type IntentMeta struct {
	RiskAmount         float64        `json:"risk_amount,omitempty"`
	StopDistance       float64        `json:"stop_distance,omitempty"`
	StopPrice          *float64       `json:"stop_price,omitempty"`
	StopSource         string         `json:"stop_source,omitempty"`
	StopDetails        map[string]any `json:"stop_details,omitempty"`
	RMetricsValid      bool           `json:"r_metrics_valid"`
	UsedLegacyProxy    bool           `json:"used_legacy_stop_proxy"`
	StopResolutionMode string         `json:"stop_resolution_mode,omitempty"`
	ReasonCode         string         `json:"reason_code,omitempty"`
	ReduceOnly         bool           `json:"reduce_only,omitempty"`
	DelayRemaining     int            `json:"delay_remaining"`
	Guardrails         map[string]any `json:"guardrails,omitempty"`
}

// OrderIntent 是风控放行后的下单意图，数量已定，等待执行模型成交。
type OrderIntent struct {
	TSCreated time.Time  `json:"ts_created"`
	Symbol    string     `json:"symbol"`
	Side      Side       `json:"side"`
	OrderType OrderType  `json:"order_type"`
	Qty       float64    `json:"qty"`
	Meta      IntentMeta `json:"metadata"`
}

// Fill 表示一次成交。Price 是走完 intrabar+spread+slippage 管线后的终价，
// 三项成本分别单独记账。
type Fill struct {
	TSFilled     time.Time  `json:"ts"`
	Symbol       string     `json:"symbol"`
	Side         Side       `json:"side"`
	Qty          float64    `json:"qty"`
	Price        float64    `json:"price"`
	FeeCost      float64    `json:"fee_cost"`
	SlippageCost float64    `json:"slippage_cost"`
	SpreadCost   float64    `json:"spread_cost"`
	Meta         IntentMeta `json:"metadata"`
}
