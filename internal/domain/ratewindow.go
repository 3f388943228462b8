package domain

import (
	"context"
	"time"
)

// RateWindow counts requests against a sliding-window budget. Allow records
// the request when permitted and reports the number of requests currently in
// the window, letting callers observe utilization. Used reports the current
// count without recording anything, so utilization can decay while idle.
type RateWindow interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, used int64, err error)
	Used(ctx context.Context, key string, window time.Duration) (int64, error)
}
