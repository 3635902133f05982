package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"autoquant/internal/app"
	"autoquant/internal/config"
	"autoquant/internal/logger"

	"github.com/joho/godotenv"
)

type overrides struct {
	symbol   string
	start    string
	end      string
	strategy string
	preset   string
	source   string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "autoquant: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	_ = godotenv.Load(".env")

	fs := flag.NewFlagSet("autoquant", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "配置文件路径（默认 $AUTOQUANT_CONFIG 或 configs/config.yaml）")
	var ov overrides
	fs.StringVar(&ov.symbol, "symbol", "", "覆盖 backtest.symbol")
	fs.StringVar(&ov.start, "start", "", "覆盖 backtest.start（YYYY-MM-DD）")
	fs.StringVar(&ov.end, "end", "", "覆盖 backtest.end（YYYY-MM-DD）")
	fs.StringVar(&ov.strategy, "strategy", "", "覆盖 strategy.name")
	fs.StringVar(&ov.preset, "preset", "", "覆盖 strategy.preset")
	fs.StringVar(&ov.source, "source", "", "覆盖 data.source（synthetic/yahoo/binance）")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "用法: autoquant [flags] [run|optimize|fetch|serve]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	command := "run"
	if fs.NArg() > 0 {
		command = strings.ToLower(fs.Arg(0))
	}

	cfg, err := loadConfig(resolveConfigPath(*cfgPath))
	if err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}
	if err := applyOverrides(cfg, ov); err != nil {
		return err
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		return fmt.Errorf("初始化日志文件失败: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	defer a.Close()
	logger.Infof("✓ 配置加载成功（环境=%s，数据源=%s，存储=%s）", cfg.App.Env, cfg.Data.Source, cfg.Storage.Driver)

	switch command {
	case "run":
		_, err = a.Run(ctx)
	case "optimize":
		_, err = a.Optimize(ctx)
	case "fetch":
		_, err = a.Fetch(ctx)
	case "serve":
		err = a.Serve(ctx)
	default:
		fs.Usage()
		return fmt.Errorf("未知命令 %q", command)
	}
	return err
}

func resolveConfigPath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("AUTOQUANT_CONFIG")); p != "" {
		return p
	}
	return "configs/config.yaml"
}

// loadConfig 在默认路径不存在时退回内置默认配置。
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil && os.IsNotExist(err) && path == "configs/config.yaml" {
		log.Printf("未找到 %s，使用默认配置", path)
		return config.Default(), nil
	}
	return config.Load(path)
}

func applyOverrides(cfg *config.Config, ov overrides) error {
	if ov.symbol != "" {
		cfg.Backtest.Symbol = ov.symbol
	}
	if ov.start != "" {
		cfg.Backtest.Start = ov.start
	}
	if ov.end != "" {
		cfg.Backtest.End = ov.end
	}
	if ov.source != "" {
		cfg.Data.Source = strings.ToLower(ov.source)
	}
	switch {
	case ov.preset != "":
		cfg.Strategy.Preset = ov.preset
	case ov.strategy != "":
		cfg.Strategy.Name = ov.strategy
		cfg.Strategy.Preset = ""
	}
	return cfg.Validate()
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
