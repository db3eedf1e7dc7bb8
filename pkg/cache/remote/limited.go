package remote

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited throttles calls to another Store
type Limited struct {
	next    Store
	limiter *rate.Limiter
}

// NewLimited allows rps requests per second with the given burst
func NewLimited(next Store, rps float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *Limited) Name() string {
	return l.next.Name()
}

func (l *Limited) Get(ctx context.Context, key string) ([]byte, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.Get(ctx, key)
}

func (l *Limited) Put(ctx context.Context, key string, data []byte) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.next.Put(ctx, key, data)
}
