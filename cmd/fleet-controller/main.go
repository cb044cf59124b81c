package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"ethosfleet/internal/config"
	"ethosfleet/internal/controller"
	"ethosfleet/internal/logging"
)

func main() {
	// 1. 解析 flag 并加载配置
	flags := config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	cfg, err := flags.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}

	// 2. 初始化日志
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	// 3. 组装控制器 (runtime 构建失败是唯一的致命错误)
	ctrl, err := controller.New(cfg, controller.Deps{Log: logger})
	if err != nil {
		log.Fatalw("failed to build fleet controller", "error", err)
	}

	// 4. 启动后台循环
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		log.Fatalw("failed to start fleet controller", "error", err)
	}

	// 5. 可选的交互控制台，quit 等同于收到退出信号
	if flags.Console {
		go func() {
			if err := ctrl.RunConsole(ctx, os.Stdin, os.Stdout); err != nil {
				log.Warnw("console stopped", "error", err)
			}
			stop()
		}()
	}

	// 6. 优雅退出
	<-ctx.Done()
	log.Info("shutting down fleet controller...")
	if err := ctrl.Shutdown(context.Background()); err != nil {
		log.Errorw("shutdown finished with errors", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}
