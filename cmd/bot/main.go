package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"ladder-futures-bot/internal/backtest"
	"ladder-futures-bot/internal/bot"
	"ladder-futures-bot/internal/config"
	"ladder-futures-bot/internal/downloader"
	"ladder-futures-bot/internal/gateway"
	"ladder-futures-bot/internal/gateway/binance"
	"ladder-futures-bot/internal/logger"
	"ladder-futures-bot/internal/metrics"
	"ladder-futures-bot/internal/models"
	"ladder-futures-bot/internal/notify"
	"ladder-futures-bot/internal/persistence"
	"ladder-futures-bot/internal/precision"
	"ladder-futures-bot/internal/reporter"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// extractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BNBUSDT-2025-03-15-2025-06-15.csv" -> "BNBUSDT"
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.ToUpper(strings.SplitN(name, "-", 2)[0])
}

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	settingsPath := flag.String("settings", "", "path to the per-market settings file (overrides config)")
	mode := flag.String("mode", "live", "running mode: live, backtest or download")
	dataPath := flag.String("data", "", "path to historical data file for backtesting")
	symbol := flag.String("symbol", "", "symbol to backtest or download (e.g., BNBUSDT)")
	startDate := flag.String("start", "", "start date (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date (YYYY-MM-DD)")
	reportDir := flag.String("report", "", "directory for backtest reports (overrides config)")
	flag.Parse()

	// 先用默认配置初始化日志, 以便记录配置加载过程
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if *settingsPath != "" {
		cfg.SettingsPath = *settingsPath
	}
	if *reportDir != "" {
		cfg.Backtest.ReportDir = *reportDir
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "live":
		err = runLiveMode(ctx, cfg)
	case "backtest":
		err = runBacktestMode(ctx, cfg, *symbol, *startDate, *endDate, *dataPath)
	case "download":
		_, err = download(ctx, cfg, *symbol, *startDate, *endDate)
	default:
		err = fmt.Errorf("未知的运行模式: %s。请选择 'live'、'backtest' 或 'download'。", *mode)
	}
	if err != nil {
		logger.S().Fatal(err)
	}
}

func loadSettings(cfg *models.Config) (map[string]models.Settings, error) {
	if cfg.SettingsPath == "" {
		return nil, errors.New("未指定策略参数文件, 请通过 settings_path 或 --settings 设置")
	}
	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("加载策略参数失败: %w", err)
	}
	return settings, nil
}

func restURL(cfg *models.Config) string {
	if cfg.IsTestnet {
		return cfg.TestnetAPIURL
	}
	return cfg.LiveAPIURL
}

// runLiveMode 运行实盘阶梯机器人, 直到收到退出信号
func runLiveMode(ctx context.Context, cfg *models.Config) error {
	log := logger.L()
	log.Info("--- 启动实时交易模式 ---")

	settings, err := loadSettings(cfg)
	if err != nil {
		return err
	}

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		return errors.New("错误：BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置。")
	}

	cfg.BaseURL = restURL(cfg)
	if cfg.IsTestnet {
		log.Info("正在使用币安测试网...", zap.String("url", cfg.BaseURL))
	} else {
		log.Info("正在使用币安生产网...", zap.String("url", cfg.BaseURL))
	}

	exchange := binance.New(apiKey, secretKey, cfg.BaseURL, time.Duration(cfg.RequestTimeoutMs)*time.Millisecond, log)
	table := precision.NewTable(precision.Default)
	if err := exchange.LoadFilters(ctx, table, config.Markets(settings)); err != nil {
		log.Warn("加载交易规则失败, 使用默认精度", zap.Error(err))
	}
	gw := gateway.NewResilientFromConfig(exchange, cfg, log)

	if cfg.DBPath == "" {
		cfg.DBPath = "data/ledger"
	}
	store, err := persistence.NewBadgerStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("打开账本数据库失败: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rec.Handler())
		serve(ctx, cfg.MetricsAddr, mux, "Prometheus 指标")
	}

	notifiers := notify.Multi{notify.NewLogNotifier(log)}
	if cfg.Notify.HubAddr != "" {
		hub := notify.NewHub(log)
		go hub.Run()
		defer hub.Close()
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		serve(ctx, cfg.Notify.HubAddr, mux, "WebSocket 通知")
		notifiers = append(notifiers, hub)
	}
	if wh := notify.NewWebhook(cfg.Notify.WebhookURL, log); wh != nil {
		defer wh.Close()
		notifiers = append(notifiers, wh)
	}

	ladder := bot.NewLadderBot(cfg, settings, gw, store, table, notifiers, rec, log)
	if err := ladder.Run(ctx); err != nil {
		return err
	}
	log.Info("机器人已成功停止，账本已保存。")
	return nil
}

// serve 在后台启动 HTTP 服务, ctx 取消时关闭
func serve(ctx context.Context, addr string, handler http.Handler, name string) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.L().Info("HTTP 服务已启动", zap.String("service", name), zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Error("HTTP 服务异常退出", zap.String("service", name), zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// download 下载K线数据, 返回数据文件路径
func download(ctx context.Context, cfg *models.Config, symbol, startDate, endDate string) (string, error) {
	if symbol == "" || startDate == "" || endDate == "" {
		return "", errors.New("下载需要 --symbol、--start 和 --end 参数")
	}
	startTime, err1 := time.Parse("2006-01-02", startDate)
	endTime, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}
	if err := os.MkdirAll("data", 0o755); err != nil {
		return "", fmt.Errorf("创建 data 目录失败: %w", err)
	}

	d := downloader.NewKlineDownloader(restURL(cfg), logger.L())
	fileName := filepath.Join("data", fmt.Sprintf("%s-%s-%s.csv", strings.ToUpper(symbol), startDate, endDate))
	logger.S().Infof("开始下载 %s 从 %s 到 %s 的K线数据...", symbol, startDate, endDate)
	if err := d.DownloadKlines(ctx, strings.ToUpper(symbol), fileName, startTime, endTime); err != nil {
		return "", fmt.Errorf("下载数据失败: %w", err)
	}
	return fileName, nil
}

// runBacktestMode 在历史K线上回放策略并输出报告
func runBacktestMode(ctx context.Context, cfg *models.Config, symbol, startDate, endDate, dataPath string) error {
	log := logger.L()
	log.Info("--- 启动回测模式 ---")

	settings, err := loadSettings(cfg)
	if err != nil {
		return err
	}

	if symbol != "" && startDate != "" && endDate != "" {
		if dataPath, err = download(ctx, cfg, symbol, startDate, endDate); err != nil {
			return err
		}
	}
	if dataPath == "" {
		return errors.New("回测模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}
	if symbol == "" {
		symbol = extractSymbolFromPath(dataPath)
	}
	s, ok := settings[strings.ToUpper(symbol)]
	if !ok {
		return fmt.Errorf("策略参数中没有交易对 %s", symbol)
	}

	bars, err := downloader.LoadBars(dataPath, log)
	if err != nil {
		return fmt.Errorf("无法读取历史数据: %w", err)
	}

	replayer := backtest.New(cfg.Risk, s, backtest.FeaturesFrom(cfg.Backtest), precision.NewTable(precision.Default), log)
	log.Info("开始回测...", zap.String("market", s.Market), zap.Int("bars", len(bars)))
	res, err := replayer.Run(ctx, bars)
	if err != nil {
		return fmt.Errorf("回测失败: %w", err)
	}
	log.Info("回测结束。")

	reporter.Render(os.Stdout, res, dataPath)
	prefix, err := reporter.WriteReports(cfg.Backtest.ReportDir, res, log)
	if err != nil {
		return fmt.Errorf("写入回测报告失败: %w", err)
	}
	log.Info("回测报告已保存", zap.String("prefix", prefix))
	return nil
}
