package providers

import (
	"net/http"

	"golang.org/x/time/rate"
)

// Transport is the per-adapter HTTP setup shared by every provider config.
type Transport struct {
	HTTPClient *http.Client
	// Limiter paces outbound calls; nil means unlimited.
	Limiter     *rate.Limiter
	Temperature float64
}

func (t Transport) temperature() float64 {
	if t.Temperature <= 0 {
		return defaultTemperature
	}
	return t.Temperature
}

// PerMinute builds a limiter allowing n calls per minute with a burst of n.
func PerMinute(n int) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(n)/60), n)
}
