package safety

import (
	"fmt"
	"time"

	"punch/internal/strategy"
)

// StaleSignalPredicate rejects signals older than maxAge. A stale signal is
// market noise by the time it reaches the bot, not a tradable edge.
func StaleSignalPredicate(maxAge time.Duration) Predicate {
	return func(sig strategy.Signal, snap Snapshot) (bool, string) {
		if sig.Timestamp.IsZero() || maxAge <= 0 {
			return false, ""
		}
		if age := time.Since(sig.Timestamp); age > maxAge {
			return true, fmt.Sprintf("signal is %s old (max %s)", age.Round(time.Second), maxAge)
		}
		return false, ""
	}
}

// EntryDriftPredicate rejects a signal whose entry price has drifted too far
// from the live market, using the current equity-weighted book as context is
// unnecessary: drift alone already means the setup is gone.
func EntryDriftPredicate(maxDrift float64, lastPrice func(symbol string) (float64, bool)) Predicate {
	return func(sig strategy.Signal, snap Snapshot) (bool, string) {
		if maxDrift <= 0 || sig.EntryPrice <= 0 || lastPrice == nil {
			return false, ""
		}
		last, ok := lastPrice(sig.Symbol)
		if !ok || last <= 0 {
			return false, ""
		}
		drift := (last - sig.EntryPrice) / sig.EntryPrice
		if drift < 0 {
			drift = -drift
		}
		if drift > maxDrift {
			return true, fmt.Sprintf("entry drifted %.2f%% from market (max %.2f%%)", drift*100, maxDrift*100)
		}
		return false, ""
	}
}
