package market

import (
	"time"

	"github.com/sony/gobreaker"
)

// newProviderBreaker builds the circuit breaker guarding one external
// provider. Three consecutive failures trip it; above 20 requests a 5%
// failure rate trips it as well.
func newProviderBreaker(name string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}
	return gobreaker.NewCircuitBreaker(st)
}
