package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	// DefaultPollInterval is how often receipts are polled
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultReceiptTimeout bounds a single receipt wait
	DefaultReceiptTimeout = 2 * time.Minute
)

// ErrTimeoutReached is returned when the deadline passes before the condition matched
var ErrTimeoutReached = errors.New("timeout has been reached")

// ConditionFunc is polled until it reports done or fails
type ConditionFunc func() (done bool, err error)

// Poll retries the given condition with the given interval until it succeeds,
// fails, the deadline expires or ctx is done. A zero deadline means no deadline.
func Poll(ctx context.Context, interval, deadline time.Duration, condition ConditionFunc) error {
	var timeout <-chan time.Time
	if deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		timeout = timer.C
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		ok, err := condition()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("%w after %v", ErrTimeoutReached, deadline)
		case <-tick.C:
		}
	}
}

// WaitSignal calls onSignal for every SIGINT/SIGTERM until ctx is done.
// The first signal is passed as first=true.
func WaitSignal(ctx context.Context, onSignal func(sig os.Signal, first bool)) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			onSignal(sig, first)
			first = false
		}
	}
}
