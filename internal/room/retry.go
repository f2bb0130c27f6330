package room

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/aws/smithy-go"

	"github.com/tetherapp/tether-session-core/internal/metrics"
)

// transientCodes are EC2 error codes worth another attempt.
var transientCodes = map[string]bool{
	"RequestLimitExceeded":         true,
	"Throttling":                   true,
	"ThrottlingException":          true,
	"RequestThrottled":             true,
	"EC2ThrottledException":        true,
	"ServiceUnavailable":           true,
	"InternalError":                true,
	"RequestTimeout":               true,
	"InsufficientInstanceCapacity": true,
}

// goneCodes mean the instance a release targets no longer needs terminating.
var goneCodes = map[string]bool{
	"InvalidInstanceID.NotFound": true,
	"IncorrectInstanceState":     true,
}

func apiErrorCode(err error) (string, bool) {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "", false
	}
	return strings.TrimSpace(apiErr.ErrorCode()), true
}

func isTransient(err error) bool {
	code, ok := apiErrorCode(err)
	return ok && transientCodes[code]
}

func instanceGone(err error) bool {
	code, ok := apiErrorCode(err)
	return ok && goneCodes[code]
}

func retryReason(err error) string {
	code, ok := apiErrorCode(err)
	switch {
	case !ok:
		return "non_api_error"
	case code == "":
		return "unknown"
	default:
		return code
	}
}

type retryPolicy struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

var ec2Retry = retryPolicy{attempts: 4, base: 250 * time.Millisecond, max: 2 * time.Second}

// backoff doubles per attempt up to max, then jitters.
func (rp retryPolicy) backoff(attempt int) time.Duration {
	return jitter(min(rp.base<<(attempt-1), rp.max))
}

func (rp retryPolicy) run(ctx context.Context, op, region string, fn func(context.Context) error) error {
	labels := map[string]string{"op": op, "region": region}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt >= rp.attempts {
			metrics.Default().IncCounter("tether_aws_retry_exhausted_total", labels)
			return err
		}
		metrics.Default().IncCounter("tether_aws_retries_total", map[string]string{
			"op":     op,
			"region": region,
			"reason": retryReason(err),
		})
		delay := rp.backoff(attempt)
		log.Printf("event=aws_retry op=%s region=%s attempt=%d delay_ms=%d err=%q", op, region, attempt, delay.Milliseconds(), err.Error())
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// jitter returns a delay in [10%, 100%) of d.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	floor := d / 10
	span := uint64(d - floor)
	if span == 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + time.Duration(span/2)
	}
	return floor + time.Duration(binary.LittleEndian.Uint64(raw[:])%span)
}
