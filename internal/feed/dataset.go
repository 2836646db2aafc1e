package feed

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"riptide/internal/market"
)

// Manifest 是数据集目录的归一化描述。两种输入模式：
//
//	strict v1:  {version: 1, format: parquet, files: [{symbol, path} | string]}
//	legacy:     {format: per_symbol_parquet, symbols: [...], path: "…{symbol}…"}
type Manifest struct {
	Version       int
	Format        string
	Symbols       []string
	FilesBySymbol map[string]string
}

type rawManifest struct {
	Version *int     `yaml:"version"`
	Format  string   `yaml:"format"`
	Files   []any    `yaml:"files"`
	Symbols []string `yaml:"symbols"`
	Path    string   `yaml:"path"`
}

func manifestErr(dir, detail string) error {
	return market.NewFault(market.FaultData,
		"dataset manifest 校验失败 (dataset_dir=%s manifest=%s): %s", dir, filepath.Join(dir, "manifest.yaml"), detail)
}

// LoadManifest 读取并归一化 manifest.yaml。
func LoadManifest(datasetDir string) (*Manifest, error) {
	info, err := os.Stat(datasetDir)
	if err != nil || !info.IsDir() {
		return nil, manifestErr(datasetDir, "dataset_dir 不是已存在的目录")
	}
	path := filepath.Join(datasetDir, "manifest.yaml")
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, manifestErr(datasetDir, "manifest.yaml 缺失")
	}
	var raw rawManifest
	if err := yaml.Unmarshal(encoded, &raw); err != nil {
		return nil, manifestErr(datasetDir, fmt.Sprintf("manifest.yaml 不是合法 YAML: %v", err))
	}
	var manifest *Manifest
	if raw.Version != nil {
		manifest, err = normalizeV1(datasetDir, raw)
	} else {
		manifest, err = normalizeLegacy(datasetDir, raw)
	}
	if err != nil {
		return nil, err
	}
	for _, symbol := range manifest.Symbols {
		rel := manifest.FilesBySymbol[symbol]
		if err := checkRelativeFile(datasetDir, rel); err != nil {
			return nil, err
		}
	}
	return manifest, nil
}

func normalizeV1(dir string, raw rawManifest) (*Manifest, error) {
	if *raw.Version != 1 {
		return nil, manifestErr(dir, fmt.Sprintf("strict manifest 要求 version=1, got %d", *raw.Version))
	}
	if raw.Format != "parquet" {
		return nil, manifestErr(dir, fmt.Sprintf("version=1 manifest 要求 format=parquet, got %q", raw.Format))
	}
	if len(raw.Files) == 0 {
		return nil, manifestErr(dir, "files 必须是非空列表")
	}
	m := &Manifest{Version: 1, Format: "parquet", FilesBySymbol: map[string]string{}}

	allStrings := true
	for _, entry := range raw.Files {
		if _, ok := entry.(string); !ok {
			allStrings = false
			break
		}
	}
	if allStrings {
		// 纯路径列表：按位置确定性地分配合成 symbol 名。
		for i, entry := range raw.Files {
			rel := strings.TrimSpace(entry.(string))
			if rel == "" {
				return nil, manifestErr(dir, "files 条目不能为空字符串")
			}
			symbol := fmt.Sprintf("__file_%03d__", i+1)
			m.Symbols = append(m.Symbols, symbol)
			m.FilesBySymbol[symbol] = rel
		}
		return m, nil
	}

	for i, entry := range raw.Files {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, manifestErr(dir, fmt.Sprintf("files[%d] 必须是路径字符串或 {symbol, path} 对象", i+1))
		}
		symbol, _ := obj["symbol"].(string)
		rel, _ := obj["path"].(string)
		symbol, rel = strings.TrimSpace(symbol), strings.TrimSpace(rel)
		if symbol == "" {
			return nil, manifestErr(dir, fmt.Sprintf("files[%d].symbol 必须是非空字符串", i+1))
		}
		if rel == "" {
			return nil, manifestErr(dir, fmt.Sprintf("files[%d].path 必须是非空字符串", i+1))
		}
		if _, dup := m.FilesBySymbol[symbol]; dup {
			return nil, manifestErr(dir, fmt.Sprintf("files 列表存在重复 symbol: %q", symbol))
		}
		m.Symbols = append(m.Symbols, symbol)
		m.FilesBySymbol[symbol] = rel
	}
	return m, nil
}

func normalizeLegacy(dir string, raw rawManifest) (*Manifest, error) {
	if raw.Format != "per_symbol_parquet" {
		return nil, manifestErr(dir, "不支持的 schema：期望 strict v1 parquet 或 legacy per_symbol_parquet")
	}
	if len(raw.Symbols) == 0 {
		return nil, manifestErr(dir, "symbols 必须是非空列表")
	}
	template := strings.TrimSpace(raw.Path)
	if template == "" {
		return nil, manifestErr(dir, "path 必须是非空字符串")
	}
	if !strings.Contains(template, "{symbol}") {
		return nil, manifestErr(dir, "path 必须包含 {symbol} 占位符")
	}
	m := &Manifest{Version: 1, Format: "per_symbol_parquet", FilesBySymbol: map[string]string{}}
	seen := map[string]bool{}
	for i, symbolRaw := range raw.Symbols {
		symbol := strings.TrimSpace(symbolRaw)
		if symbol == "" {
			return nil, manifestErr(dir, fmt.Sprintf("symbols[%d] 必须是非空字符串", i+1))
		}
		if seen[symbol] {
			return nil, manifestErr(dir, fmt.Sprintf("symbols 列表存在重复 symbol: %q", symbol))
		}
		seen[symbol] = true
		m.Symbols = append(m.Symbols, symbol)
		m.FilesBySymbol[symbol] = strings.ReplaceAll(template, "{symbol}", symbol)
	}
	return m, nil
}

// checkRelativeFile 拒绝越出 dataset 目录的路径并确认文件存在。
func checkRelativeFile(dir, rel string) error {
	resolved, err := filepath.Abs(filepath.Join(dir, rel))
	if err != nil {
		return manifestErr(dir, err.Error())
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return manifestErr(dir, err.Error())
	}
	if !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return manifestErr(dir, fmt.Sprintf("文件路径 %q 解析到 dataset 目录之外", rel))
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		return manifestErr(dir, fmt.Sprintf("引用的文件缺失: %q", rel))
	}
	return nil
}

// ApplyScope 依序应用 symbols_subset 与 max_symbols，返回裁剪后的副本。
func (m *Manifest) ApplyScope(scope Scope) (*Manifest, error) {
	symbols := append([]string{}, m.Symbols...)
	if len(scope.SymbolsSubset) > 0 {
		var unknown []string
		for _, symbol := range scope.SymbolsSubset {
			if _, ok := m.FilesBySymbol[symbol]; !ok {
				unknown = append(unknown, symbol)
			}
		}
		if len(unknown) > 0 {
			return nil, market.NewFault(market.FaultData,
				"data.symbols_subset 含未知 symbol: %v", unknown)
		}
		symbols = append([]string{}, scope.SymbolsSubset...)
	}
	if scope.MaxSymbols > 0 && len(symbols) > scope.MaxSymbols {
		symbols = symbols[:scope.MaxSymbols]
	}
	out := &Manifest{Version: m.Version, Format: m.Format, FilesBySymbol: map[string]string{}}
	for _, symbol := range symbols {
		out.Symbols = append(out.Symbols, symbol)
		out.FilesBySymbol[symbol] = m.FilesBySymbol[symbol]
	}
	return out, nil
}
