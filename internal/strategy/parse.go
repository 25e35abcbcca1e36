package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"punch/internal/pkg/symbol"
)

// ParseSignalJSON decodes a signal payload tolerantly. Upstream generators
// are not uniform: confidence may arrive as a string, take_profit as a
// scalar or an array, direction in mixed case.
func ParseSignalJSON(raw []byte) (Signal, error) {
	if !gjson.ValidBytes(raw) {
		return Signal{}, fmt.Errorf("signal payload is not valid JSON")
	}
	doc := gjson.ParseBytes(raw)

	sym := symbol.Normalize(doc.Get("symbol").String())
	if sym == "" {
		return Signal{}, fmt.Errorf("signal missing symbol")
	}

	dir := strings.ToLower(strings.TrimSpace(doc.Get("direction").String()))
	switch dir {
	case "buy", "long":
		dir = "buy"
	case "sell", "short":
		dir = "sell"
	default:
		return Signal{}, fmt.Errorf("signal direction %q not recognized", doc.Get("direction").String())
	}

	sig := Signal{
		StrategyID: doc.Get("strategy_id").String(),
		Symbol:     sym,
		Direction:  dir,
		EntryPrice: doc.Get("entry_price").Float(),
		StopLoss:   doc.Get("stop_loss").Float(),
		Confidence: clamp01(doc.Get("confidence").Float()),
		Reasoning:  doc.Get("reasoning").String(),
		Timestamp:  time.Now().UTC(),
	}

	tp := doc.Get("take_profit")
	switch {
	case tp.IsArray():
		for _, lvl := range tp.Array() {
			if v := lvl.Float(); v > 0 {
				sig.TakeProfit = append(sig.TakeProfit, v)
			}
		}
	case tp.Exists():
		if v := tp.Float(); v > 0 {
			sig.TakeProfit = []float64{v}
		}
	}

	if ts := doc.Get("timestamp"); ts.Exists() {
		if t, err := time.Parse(time.RFC3339, ts.String()); err == nil {
			sig.Timestamp = t
		}
	}
	return sig, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
