package harnessports

import "context"

// RateLimiter bounds generation throughput per key (organization or room).
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
