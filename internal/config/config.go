// Package config loads the per-market strategy file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/o2-exchange/trading-bot-sub002/internal/model"
)

// strategyYAML is the on-disk shape. Numeric fields are strings so the
// file round-trips through decimal math without float drift.
type strategyYAML struct {
	MarketID         string `yaml:"market_id"`
	OrderSize        string `yaml:"order_size"`
	TakeProfitRate   string `yaml:"take_profit_rate"`
	ProfitProtection bool   `yaml:"profit_protection"`
}

type strategiesFile struct {
	Strategies []strategyYAML `yaml:"strategies"`
}

// LoadStrategies reads and validates the strategies file. Fill-tracking
// fields are engine-owned and never come from the file.
func LoadStrategies(path string) ([]model.StrategyConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategies file: %w", err)
	}

	var f strategiesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse strategies file %s: %w", path, err)
	}
	if len(f.Strategies) == 0 {
		return nil, fmt.Errorf("strategies file %s: no strategies defined", path)
	}

	out := make([]model.StrategyConfig, 0, len(f.Strategies))
	seen := make(map[string]struct{}, len(f.Strategies))
	for i, s := range f.Strategies {
		marketID := strings.TrimSpace(s.MarketID)
		if marketID == "" {
			return nil, fmt.Errorf("strategy %d: market_id required", i)
		}
		if _, dup := seen[marketID]; dup {
			return nil, fmt.Errorf("strategy %d: duplicate market_id %q", i, marketID)
		}
		seen[marketID] = struct{}{}

		size, err := decimal.NewFromString(strings.TrimSpace(s.OrderSize))
		if err != nil || size.Sign() <= 0 {
			return nil, fmt.Errorf("strategy %s: order_size must be a positive decimal, got %q", marketID, s.OrderSize)
		}

		rate := decimal.Zero
		if r := strings.TrimSpace(s.TakeProfitRate); r != "" {
			rate, err = decimal.NewFromString(r)
			if err != nil || rate.Sign() < 0 {
				return nil, fmt.Errorf("strategy %s: take_profit_rate must be a non-negative decimal, got %q", marketID, s.TakeProfitRate)
			}
		}
		if s.ProfitProtection && rate.Sign() == 0 {
			return nil, fmt.Errorf("strategy %s: profit_protection requires a take_profit_rate", marketID)
		}

		out = append(out, model.StrategyConfig{
			MarketID:         marketID,
			OrderSize:        size,
			TakeProfitRate:   rate,
			ProfitProtection: s.ProfitProtection,
		})
	}
	return out, nil
}
