// Package transport implements the scan transport: it delivers launch
// commands to radios at the correct pre-slot wall-clock offset and retries
// failed deliveries with backoff, gated by a per-radio circuit breaker. It
// is adapted from the connection-pool shape the controller uses for its
// BIRD control-socket pool, generalized from "one pooled connection per
// command" to "one scheduled, retried delivery per radio per scan".
package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/terragraph-mesh/tgctl/internal/circuitbreaker"
	"github.com/terragraph-mesh/tgctl/internal/gpsclock"
	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/scan"
)

// DefaultStartOffset is how far ahead of a scan's wall-clock start the
// launch command must be delivered, per spec.md §4.G.
const DefaultStartOffset = 5 * time.Second

// Driver is the minion-facing delivery mechanism for one launch command; the
// real implementation speaks to the firmware driver shim over the minion's
// local IPC channel.
type Driver interface {
	DeliverScan(ctx context.Context, tx radio.Mac, rxs []radio.Mac, cmd scan.LaunchCommand) error
}

// Transport schedules and retries launch-command delivery. It implements
// scan.Transport.
type Transport struct {
	log         *slog.Logger
	driver      Driver
	startOffset time.Duration

	mu       sync.Mutex
	breakers map[radio.Mac]*circuitbreaker.CircuitBreaker
}

// New constructs a Transport.
func New(log *slog.Logger, driver Driver) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		log:         log,
		driver:      driver,
		startOffset: DefaultStartOffset,
		breakers:    make(map[radio.Mac]*circuitbreaker.CircuitBreaker),
	}
}

func (t *Transport) breakerFor(mac radio.Mac) *circuitbreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	cb, ok := t.breakers[mac]
	if !ok {
		cb = circuitbreaker.New(circuitbreaker.DefaultConfig())
		t.breakers[mac] = cb
	}
	return cb
}

// SendScan implements scan.Transport: it rejects immediately if the tx
// radio's circuit breaker is open, otherwise schedules delivery for
// startOffset before cmd.StartBwgd's wall-clock instant and returns without
// blocking on that delivery.
func (t *Transport) SendScan(ctx context.Context, tx radio.Mac, rxs []radio.Mac, cmd scan.LaunchCommand) error {
	cb := t.breakerFor(tx)
	if err := cb.Allow(); err != nil {
		return err
	}

	deliverAt := time.Unix(gpsclock.BWGDToUnixTime(cmd.StartBwgd), 0).Add(-t.startOffset)
	delay := time.Until(deliverAt)
	if delay < 0 {
		delay = 0
	}

	go t.deliverAfter(context.WithoutCancel(ctx), delay, tx, rxs, cmd, cb)
	return nil
}

func (t *Transport) deliverAfter(ctx context.Context, delay time.Duration, tx radio.Mac, rxs []radio.Mac, cmd scan.LaunchCommand, cb *circuitbreaker.CircuitBreaker) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		return t.driver.DeliverScan(ctx, tx, rxs, cmd)
	}, bo)

	if err != nil {
		cb.RecordFailure()
		t.log.Warn("scan launch delivery failed", slog.String("tx", tx.String()), slog.Uint64("token", cmd.Token), slog.Any("err", err))
		return
	}
	cb.RecordSuccess()
}
