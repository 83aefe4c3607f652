package main

import (
	"log"

	"github.com/o2-exchange/trading-bot-sub002/internal/jsonl"
)

type sessionLogEvent struct {
	TsMs  int64  `json:"ts_ms"`
	Event string `json:"event"` // start | flow_state | fill | shutdown

	Mode string `json:"mode,omitempty"` // dry | live

	State     string `json:"state,omitempty"`
	FlowError string `json:"flow_error,omitempty"`

	AccountID string `json:"account_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Fill details.
	Market  string `json:"market,omitempty"`
	OrderID string `json:"order_id,omitempty"`
	Side    string `json:"side,omitempty"`
	Delta   string `json:"delta,omitempty"`
	Price   string `json:"price,omitempty"`

	UptimeMs int64 `json:"uptime_ms,omitempty"`
}

func runMode(enableTrading bool) string {
	if enableTrading {
		return "live"
	}
	return "dry"
}

func logEvent(w *jsonl.Writer, ev sessionLogEvent) {
	if err := w.Write(ev); err != nil {
		log.Printf("[warn] event log write failed: %v", err)
	}
}
