package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"riptide/internal/app"
	"riptide/internal/logger"
)

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	args := os.Args[1:]
	mode := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		mode = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("riptide "+mode, flag.ExitOnError)
	var overrides stringList
	var fetchSymbols stringList
	dataPath := fs.String("data", "", "单文件(.csv/.parquet)或 dataset 目录")
	configPath := fs.String("config", "", "基础配置 YAML")
	localConfig := fs.String("local-config", "", "本地覆盖 YAML（最后叠加）")
	outDir := fs.String("out", "", "输出目录（默认 app.out_dir）")
	logLevel := fs.String("log-level", "", "覆盖 app.log_level")
	watch := fs.Bool("watch", false, "配置变更时自动重跑")
	fetchStart := fs.String("start", "", "fetch 起始时间 (RFC3339 或 2006-01-02)")
	fetchEnd := fs.String("end", "", "fetch 结束时间")
	fetchOut := fs.String("fetch-out", "", "fetch 输出的 dataset 目录")
	fs.Var(&overrides, "override", "覆盖 YAML，可重复，按顺序叠加")
	fs.Var(&fetchSymbols, "symbols", "fetch 的 symbol，可重复或逗号分隔")
	_ = fs.Parse(args)

	opts := app.Options{
		Mode:         mode,
		ConfigPath:   *configPath,
		Overrides:    overrides,
		LocalConfig:  *localConfig,
		DataPath:     *dataPath,
		OutDir:       *outDir,
		FetchSymbols: splitSymbols(fetchSymbols),
		FetchStart:   *fetchStart,
		FetchEnd:     *fetchEnd,
		FetchOut:     *fetchOut,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runOnce(ctx, opts, *logLevel); err != nil {
		log.Printf("运行失败: %v", err)
		os.Exit(1)
	}
	if *watch && mode == "run" {
		if err := watchAndRerun(ctx, opts, *logLevel); err != nil {
			log.Printf("watch 退出: %v", err)
			os.Exit(1)
		}
	}
}

func runOnce(ctx context.Context, opts app.Options, logLevel string) error {
	application, err := app.Build(opts)
	if err != nil {
		return err
	}
	setupLogging(application, logLevel)
	return application.Run(ctx)
}

func setupLogging(application *app.App, override string) {
	cfg := application.Config().Cfg
	level := cfg.App.LogLevel
	if override != "" {
		level = override
	}
	logger.SetLevel(level)
	if path := strings.TrimSpace(cfg.App.LogPath); path != "" {
		if file, err := openLogFile(path); err == nil {
			logger.SetOutput(io.MultiWriter(os.Stdout, file))
		} else {
			logger.Warnf("初始化日志文件失败: %v", err)
		}
	}
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func splitSymbols(raw []string) []string {
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
