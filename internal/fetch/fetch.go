package fetch

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"riptide/internal/logger"
)

const maxKlineLimit = 1500

// Params 描述一次数据集引导下载。
type Params struct {
	Symbols     []string
	Interval    string
	Start       time.Time
	End         time.Time
	OutDir      string
	BaseURL     string
	Concurrency int
}

// Service 从 Binance USDT 合约拉取 1 分钟 K 线，落成 per-symbol CSV
// 并生成 strict v1 manifest，直接喂给 dataset-directory 模式。
// 回测本体保持单线程；只有这里的下载用 errgroup 并行。
type Service struct {
	client *futures.Client
}

func NewService(baseURL string) *Service {
	client := futures.NewClient("", "")
	if strings.TrimSpace(baseURL) != "" {
		client.BaseURL = strings.TrimSpace(baseURL)
	}
	return &Service{client: client}
}

// Run 下载所有 symbol 并写 manifest.yaml。
func (s *Service) Run(ctx context.Context, params Params) error {
	if len(params.Symbols) == 0 {
		return fmt.Errorf("fetch 需要至少一个 symbol")
	}
	if params.Interval == "" {
		params.Interval = "1m"
	}
	if params.OutDir == "" {
		return fmt.Errorf("fetch 需要输出目录")
	}
	if err := os.MkdirAll(params.OutDir, 0o755); err != nil {
		return err
	}
	concurrency := params.Concurrency
	if concurrency <= 0 {
		concurrency = 3
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, symbol := range params.Symbols {
		symbol := strings.ToUpper(strings.TrimSpace(symbol))
		g.Go(func() error {
			rows, err := s.download(groupCtx, symbol, params)
			if err != nil {
				return fmt.Errorf("%s: %w", symbol, err)
			}
			path := filepath.Join(params.OutDir, symbol+".csv")
			if err := writeCSV(path, rows); err != nil {
				return fmt.Errorf("%s: %w", symbol, err)
			}
			logger.Infof("[fetch] %s: %d 根 K 线 → %s", symbol, len(rows), path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return writeManifest(params.OutDir, params.Symbols)
}

type klineRow struct {
	ts      time.Time
	o, h, l float64
	c, v    float64
}

func (s *Service) download(ctx context.Context, symbol string, params Params) ([]klineRow, error) {
	var rows []klineRow
	cursor := params.Start
	for cursor.Before(params.End) {
		svc := s.client.NewKlinesService().
			Symbol(symbol).
			Interval(params.Interval).
			StartTime(cursor.UnixMilli()).
			EndTime(params.End.UnixMilli()).
			Limit(maxKlineLimit)
		kls, err := svc.Do(ctx)
		if err != nil {
			return nil, err
		}
		if len(kls) == 0 {
			break
		}
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			ts := time.UnixMilli(kl.OpenTime).UTC()
			if !ts.Before(params.End) {
				break
			}
			rows = append(rows, klineRow{
				ts: ts,
				o:  parseFloat(kl.Open),
				h:  parseFloat(kl.High),
				l:  parseFloat(kl.Low),
				c:  parseFloat(kl.Close),
				v:  parseFloat(kl.Volume),
			})
		}
		next := time.UnixMilli(kls[len(kls)-1].CloseTime).UTC().Add(time.Millisecond)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}
	// Binance 末根可能未收盘，丢弃仍在当前分钟内的行。
	nowFloor := time.Now().UTC().Truncate(time.Minute)
	for len(rows) > 0 && !rows[len(rows)-1].ts.Before(nowFloor) {
		rows = rows[:len(rows)-1]
	}
	return rows, nil
}

func writeCSV(path string, rows []klineRow) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write([]string{"ts", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			row.ts.Format(time.RFC3339),
			formatFloat(row.o), formatFloat(row.h), formatFloat(row.l),
			formatFloat(row.c), formatFloat(row.v),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeManifest(outDir string, symbols []string) error {
	type fileEntry struct {
		Symbol string `yaml:"symbol"`
		Path   string `yaml:"path"`
	}
	manifest := struct {
		Version int         `yaml:"version"`
		Format  string      `yaml:"format"`
		Files   []fileEntry `yaml:"files"`
	}{Version: 1, Format: "parquet"}
	for _, symbol := range symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		manifest.Files = append(manifest.Files, fileEntry{Symbol: symbol, Path: symbol + ".csv"})
	}
	encoded, err := yaml.Marshal(manifest)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outDir, "manifest.yaml"), encoded, 0o644)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
