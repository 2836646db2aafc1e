package main

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"riptide/internal/app"
	"riptide/internal/logger"
)

// watchAndRerun 监听配置文件变更并自动重跑回测，用于调参迭代。
// 事件做 500ms 去抖（编辑器保存经常触发多次 WRITE）。
func watchAndRerun(ctx context.Context, opts app.Options, logLevel string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	paths := []string{}
	if opts.ConfigPath != "" {
		paths = append(paths, opts.ConfigPath)
	}
	paths = append(paths, opts.Overrides...)
	if opts.LocalConfig != "" {
		paths = append(paths, opts.LocalConfig)
	}
	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			return err
		}
	}
	logger.Infof("[watch] 监听 %d 个配置文件，Ctrl-C 退出", len(paths))

	var debounce *time.Timer
	rerun := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case rerun <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("[watch] watcher 错误: %v", err)
		case <-rerun:
			logger.Infof("[watch] 配置变更，重新运行")
			if err := runOnce(ctx, opts, logLevel); err != nil {
				logger.Errorf("[watch] 重跑失败: %v", err)
			}
		}
	}
}
