package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"riptide/internal/market"
)

// WriteUsed 把归一化后的配置树落盘为 config_used.yaml。
// 该文件是整次运行唯一的配置事实来源，引擎启动前写入。
func (r *Resolved) WriteUsed(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return market.WrapFault(market.FaultConfig, err)
	}
	encoded, err := yaml.Marshal(r.Tree)
	if err != nil {
		return market.WrapFault(market.FaultConfig, err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return market.WrapFault(market.FaultConfig, err)
	}
	return nil
}
