package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func writeStrategies(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadStrategies(t *testing.T) {
	path := writeStrategies(t, `
strategies:
  - market_id: tok-usd
    order_size: "5"
    take_profit_rate: "0.0002"
    profit_protection: true
  - market_id: alt-usd
    order_size: "0.5"
`)
	got, err := LoadStrategies(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("strategies=%d want 2", len(got))
	}
	if got[0].MarketID != "tok-usd" || !got[0].ProfitProtection {
		t.Fatalf("first strategy %+v", got[0])
	}
	if !got[0].TakeProfitRate.Equal(decimal.RequireFromString("0.0002")) {
		t.Fatalf("take profit rate=%s", got[0].TakeProfitRate)
	}
	if got[1].ProfitProtection || !got[1].TakeProfitRate.IsZero() {
		t.Fatalf("second strategy defaults %+v", got[1])
	}
}

func TestLoadStrategiesRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			"empty file",
			`strategies: []`,
			"no strategies",
		},
		{
			"missing market id",
			"strategies:\n  - order_size: \"5\"\n",
			"market_id required",
		},
		{
			"duplicate market",
			"strategies:\n  - {market_id: m, order_size: \"5\"}\n  - {market_id: m, order_size: \"5\"}\n",
			"duplicate market_id",
		},
		{
			"zero order size",
			"strategies:\n  - {market_id: m, order_size: \"0\"}\n",
			"order_size",
		},
		{
			"negative rate",
			"strategies:\n  - {market_id: m, order_size: \"5\", take_profit_rate: \"-0.1\"}\n",
			"take_profit_rate",
		},
		{
			"protection without rate",
			"strategies:\n  - {market_id: m, order_size: \"5\", profit_protection: true}\n",
			"requires a take_profit_rate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadStrategies(writeStrategies(t, tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadStrategiesMissingFile(t *testing.T) {
	if _, err := LoadStrategies(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}
