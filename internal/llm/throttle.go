package llm

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// throttle spaces outbound calls to one backend. A nil limiter never blocks.
type throttle struct {
	limiter *rate.Limiter
}

// newThrottle allows rps requests per second with a burst of ceil(rps).
// rps <= 0 disables throttling.
func newThrottle(rps float64) *throttle {
	if rps <= 0 {
		return &throttle{}
	}
	burst := int(math.Ceil(rps))
	return &throttle{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *throttle) wait(ctx context.Context) error {
	if t == nil || t.limiter == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}
