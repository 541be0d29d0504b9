package broker

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// backoffDelay returns a full-jitter delay for the given attempt
// (1-based): a uniform random duration in [0, min(base*2^(attempt-1), max)].
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := base << uint(attempt-1)
	if ceiling > max || ceiling <= 0 {
		ceiling = max
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}

// parseRetryAfter interprets a Retry-After header as either delay
// seconds or an HTTP date. Zero means absent or unparseable.
func parseRetryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// retryDelay combines the computed backoff with a server-provided
// Retry-After, honoring whichever is longer.
func retryDelay(attempt int, base, max time.Duration, retryAfter time.Duration) time.Duration {
	d := backoffDelay(attempt, base, max)
	if retryAfter > d {
		return retryAfter
	}
	return d
}
