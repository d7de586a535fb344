package config

import (
	"encoding/json"
	"fmt"
	"ladder-futures-bot/internal/models"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	applyDefaults(config)
	return config, nil
}

// applyDefaults 为未设置的参数填充默认值
func applyDefaults(cfg *models.Config) {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 10
	}
	if cfg.SummaryEvery <= 0 {
		cfg.SummaryEvery = 60
	}
	if cfg.MarginMode == "" {
		cfg.MarginMode = "ISOLATED"
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInitialDelayMs <= 0 {
		cfg.RetryInitialDelayMs = 500
	}
	if cfg.RequestTimeoutMs <= 0 {
		cfg.RequestTimeoutMs = 10000
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 5
	}
	if cfg.Risk.SafetyFactor <= 0 {
		cfg.Risk.SafetyFactor = 1
	}
	if cfg.Risk.CooldownMinutes <= 0 {
		cfg.Risk.CooldownMinutes = 1440
	}
	if cfg.Risk.ReinvestThreshold <= 0 {
		cfg.Risk.ReinvestThreshold = cfg.Risk.InitialCapital
	}
	if cfg.Backtest.ReportDir == "" {
		cfg.Backtest.ReportDir = "reports"
	}
}

type settingsFile struct {
	Markets []models.Settings `yaml:"markets"`
}

// LoadSettings 加载按交易对索引的策略参数表
func LoadSettings(path string) (map[string]models.Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSettings(data)
}

// ParseSettings decodes and validates a YAML settings table.
func ParseSettings(data []byte) (map[string]models.Settings, error) {
	var f settingsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}

	out := make(map[string]models.Settings, len(f.Markets))
	for _, s := range f.Markets {
		s.Market = strings.ToUpper(strings.TrimSpace(s.Market))
		if err := Validate(s); err != nil {
			return nil, err
		}
		if _, dup := out[s.Market]; dup {
			return nil, fmt.Errorf("settings: duplicate market %s", s.Market)
		}
		out[s.Market] = s
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("settings: no markets configured")
	}
	return out, nil
}

// Validate checks a single settings row.
func Validate(s models.Settings) error {
	switch {
	case s.Market == "":
		return fmt.Errorf("settings: market is required")
	case s.UnitSize <= 0:
		return fmt.Errorf("settings %s: unit_size must be positive", s.Market)
	case s.SmallFlowPct <= 0 || s.SmallFlowPct >= 1:
		return fmt.Errorf("settings %s: small_flow_pct must be in (0,1)", s.Market)
	case s.LargeFlowPct <= 0 || s.LargeFlowPct >= 1:
		return fmt.Errorf("settings %s: large_flow_pct must be in (0,1)", s.Market)
	case s.SmallFlowUnits <= 0 || s.LargeFlowUnits <= 0:
		return fmt.Errorf("settings %s: flow units must be positive", s.Market)
	case s.TakeProfitPct <= 0:
		return fmt.Errorf("settings %s: take_profit_pct must be positive", s.Market)
	case s.Leverage < 1:
		return fmt.Errorf("settings %s: leverage must be >= 1", s.Market)
	}
	mode := strings.ToUpper(s.MarginMode)
	if mode != "" && mode != "ISOLATED" && mode != "CROSSED" {
		return fmt.Errorf("settings %s: unknown margin_mode %q", s.Market, s.MarginMode)
	}
	return nil
}

// Markets returns the configured markets in a stable order.
func Markets(settings map[string]models.Settings) []string {
	out := make([]string, 0, len(settings))
	for m := range settings {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
