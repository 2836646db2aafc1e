package market

import "time"

// Trade 记录一段完整（或部分平掉）的持仓盈亏。
// pnl_net = pnl_price - fees_paid；R 倍数仅在 risk_amount 有效时存在。
type Trade struct {
	EntryTS        time.Time `json:"entry_ts"`
	ExitTS         time.Time `json:"exit_ts"`
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	Qty            float64   `json:"qty"`
	EntryPrice     float64   `json:"entry_price"`
	ExitPrice      float64   `json:"exit_price"`
	PnLPrice       float64   `json:"pnl_price"`
	FeesPaid       float64   `json:"fees_paid"`
	PnLNet         float64   `json:"pnl_net"`
	SlippagePaid   float64   `json:"slippage"`
	MAEPrice       float64   `json:"mae_price"`
	MFEPrice       float64   `json:"mfe_price"`
	RiskAmount     *float64  `json:"risk_amount,omitempty"`
	StopDistance   *float64  `json:"stop_distance,omitempty"`
	RMultipleGross *float64  `json:"r_multiple_gross,omitempty"`
	RMultipleNet   *float64  `json:"r_multiple_net,omitempty"`
	Bucket         string    `json:"bucket,omitempty"`
}

// Decision 是一条风控/冲突/强平决策记录，写入 decisions.jsonl。
type Decision struct {
	TS         time.Time      `json:"ts"`
	Symbol     string         `json:"symbol"`
	Accepted   bool           `json:"accepted"`
	ReasonCode string         `json:"reason_code"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// EquityPoint 是每个时间步的资金快照，写入 equity.csv。
type EquityPoint struct {
	TS            time.Time
	Cash          float64
	Equity        float64
	RealizedPnL   float64
	UnrealizedPnL float64
	MarginUsed    float64
}

// PositionSummary 是暴露给策略的只读持仓摘要。
type PositionSummary struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Qty           float64 `json:"qty"`
	AvgPrice      float64 `json:"avg_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// PortfolioSnapshot 是暴露给策略的只读资金摘要。
type PortfolioSnapshot struct {
	Cash          float64           `json:"cash"`
	Equity        float64           `json:"equity"`
	RealizedPnL   float64           `json:"realized_pnl"`
	UnrealizedPnL float64           `json:"unrealized_pnl"`
	MarginUsed    float64           `json:"margin_used"`
	FreeMargin    float64           `json:"free_margin"`
	Positions     []PositionSummary `json:"positions"`
}
