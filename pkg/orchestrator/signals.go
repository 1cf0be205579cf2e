package orchestrator

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethpandaops/xrun/pkg/constants"
	"github.com/ethpandaops/xrun/pkg/process"
)

// NotifySignals relays SIGINT and SIGTERM. Call stop to restore the default
// handling.
func NotifySignals() (signals <-chan os.Signal, stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	return ch, func() { signal.Stop(ch) }
}

// RunUntilSignal blocks until a signal arrives or ctx ends, then shuts
// everything down. The first signal asks for a graceful shutdown, a second
// one kills whatever is left.
func (o *Orchestrator) RunUntilSignal(ctx context.Context, signals <-chan os.Signal) error {
	var sig os.Signal

	select {
	case sig = <-signals:
		o.log.WithField("signal", sig).Info("shutting down, send the signal again to kill all processes")
	case <-ctx.Done():
		o.log.Info("shutting down")
	}

	done := make(chan error, 1)

	go func() {
		done <- o.Shutdown(context.WithoutCancel(ctx), o.skipSignal(sig))
	}()

	select {
	case err := <-done:
		return err
	case sig = <-signals:
		o.log.WithField("signal", sig).Warn("killing all processes")
	}

	rough := o.ShutdownRough(context.WithoutCancel(ctx))

	select {
	case err := <-done:
		return errors.Join(err, rough)
	case <-time.After(constants.DefaultRoughShutdownTimeout):
		return errors.Join(rough, errors.New("timed out waiting for processes to exit"))
	}
}

// skipSignal returns the signal the children already received from the
// terminal: an interrupt reaches the whole foreground process group.
func (o *Orchestrator) skipSignal(sig os.Signal) string {
	if !o.cfg.SharedProcessGroup || sig != syscall.SIGINT {
		return ""
	}

	return process.SignalName(syscall.SIGINT)
}
