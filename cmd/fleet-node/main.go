package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"ethosfleet/internal/logging"
	"ethosfleet/internal/node"
)

func main() {
	// 1. 参数。容器里默认读 /gaianet/config.json 里的 node_name
	name := pflag.String("name", "", "node name (defaults to node_name in --node-config, then the hostname)")
	addr := pflag.String("addr", ":8080", "listen address")
	nodeConfig := pflag.String("node-config", "/gaianet/config.json", "per-node config written by the controller")
	logLevel := pflag.String("log-level", "info", "log level")
	logFormat := pflag.String("log-format", "json", "log format: json or console")
	pflag.Parse()

	logger, err := logging.New(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	// 2. 确定节点名
	if *name == "" {
		n, err := node.NameFromConfig(*nodeConfig)
		if err != nil {
			log.Debugw("node config not usable", "path", *nodeConfig, "error", err)
			n, _ = os.Hostname()
		}
		*name = n
	}

	// 3. 启动 Agent，收到信号后退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := node.NewAgent(*name, *addr, log.With("node", *name))
	if err := agent.Run(ctx); err != nil {
		log.Errorw("node agent stopped", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
	log.Info("shutting down node...")
}
