//go:build wireinject

package app

import (
	"github.com/google/wire"
)

// buildApp 声明装配图；实际代码由 wire 生成（见 wire_gen.go）。
func buildApp(opts Options) (*App, error) {
	wire.Build(NewApp)
	return nil, nil
}
