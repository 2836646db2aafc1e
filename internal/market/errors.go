package market

import (
	"errors"
	"fmt"
)

// FaultKind 是致命错误的分类，run_status.json 的 error_type 直接使用该值。
// 风控拒绝不属于错误，走 Decision 记录。
type FaultKind string

const (
	FaultConfig    FaultKind = "ConfigError"
	FaultData      FaultKind = "DataError"
	FaultStrategy  FaultKind = "StrategyContractError"
	FaultRisk      FaultKind = "RiskError"
	FaultExecution FaultKind = "ExecutionError"
	FaultPortfolio FaultKind = "PortfolioError"
	FaultRuntime   FaultKind = "RuntimeError"
)

// Fault 给底层错误打上分类标签，保留原始错误链。
type Fault struct {
	Kind FaultKind
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault 构造带分类的错误。
func NewFault(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WrapFault 包装既有错误；err 为 nil 时返回 nil。
func WrapFault(kind FaultKind, err error) error {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return err
	}
	return &Fault{Kind: kind, Err: err}
}

// KindOf 返回错误的分类，未标注的错误归为 RuntimeError。
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultRuntime
}
