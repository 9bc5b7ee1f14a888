// Package telemetry is an out-of-core collaborator: a reporter that
// periodically ships a kernel log dump and backs off on failure. The
// execution core itself never calls into it; it's carried here as the
// ambient stack's domain-side counterpart, since nothing else in this
// module exercises cenkalti/backoff.
//
// Grounded on original_source/src/klib/radar.c's telemetry_retry: a
// doubling backoff capped at 600 seconds that is never reset back to
// its initial interval after a successful send, reproduced verbatim
// rather than "fixed" — Reporter never calls its BackOff's Reset.
package telemetry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

// Sender ships one kernel log dump, returning an error if the attempt
// failed. The wire format and transport are not this package's concern;
// Reporter only owns the retry/backoff policy around calling it.
type Sender func(ctx context.Context) error

// Reporter periodically calls a Sender, retrying failures with a
// doubling backoff that is never reset after a success.
type Reporter struct {
	send         Sender
	backoff      *backoff.ExponentialBackOff
	reportPeriod time.Duration
	log          *logrus.Entry
}

const (
	// InitialRetryInterval is telemetry_retry's starting backoff.
	InitialRetryInterval = 1 * time.Second
	// MaxRetryInterval is telemetry_retry's cap (600 seconds).
	MaxRetryInterval = 600 * time.Second
	// DefaultReportPeriod is how long Reporter waits between successful
	// sends before attempting the next one.
	DefaultReportPeriod = 60 * time.Second
)

// NewReporter constructs a Reporter around send, using the package's
// default retry interval bounds and report period.
func NewReporter(send Sender) *Reporter {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = InitialRetryInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0 // plain doubling, no jitter
	b.MaxInterval = MaxRetryInterval
	b.MaxElapsedTime = 0 // retry forever; only the per-attempt interval is capped
	b.Reset()

	return &Reporter{
		send:         send,
		backoff:      b,
		reportPeriod: DefaultReportPeriod,
		log:          logrus.WithField("component", "telemetry"),
	}
}

// SetReportPeriod overrides the steady-state interval between
// successful sends.
func (r *Reporter) SetReportPeriod(d time.Duration) { r.reportPeriod = d }

// Run sends reports until ctx is done, retrying failures with the
// doubling backoff described above. It deliberately never calls
// r.backoff.Reset(): a failure streak's grown interval persists across
// any later success, matching the teacher's unreset cap verbatim.
func (r *Reporter) Run(ctx context.Context) error {
	for {
		err := r.send(ctx)
		if err == nil {
			r.log.Debug("telemetry report sent")
			if !r.sleep(ctx, r.reportPeriod) {
				return ctx.Err()
			}
			continue
		}

		wait := r.backoff.NextBackOff()
		if wait == backoff.Stop {
			wait = r.backoff.MaxInterval
		}
		r.log.WithError(err).Warnf("telemetry send failed, retrying in %s", wait)
		if !r.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (r *Reporter) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
