// internal/bridge/orchestrator.go
package bridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"grbl-bridge/internal/flow"
	"grbl-bridge/internal/framer"
)

// ackToken is the exact line content GRBL emits when it has consumed one
// previously sent command. Error and alarm lines are forwarded like any
// other telemetry but never acknowledge.
const ackToken = "ok"

// Link is the slice of the link manager the orchestrator's loops need
type Link interface {
	EnsureOpen() bool
	IsOpen() bool
	ReadAvailable() ([]byte, error)
	Close()
}

// Broadcaster delivers device telemetry lines to the active client
type Broadcaster interface {
	Broadcast(line string)
}

// Config holds orchestrator loop timings
type Config struct {
	// RetryInterval paces the watchdog's reopen attempts.
	RetryInterval time.Duration
	// IdlePoll is how long the reader sleeps while the link is down.
	IdlePoll time.Duration
}

// Orchestrator runs the concurrent loops tying the bridge together: the
// serial reader and the reconnect watchdog. The accept loop lives at the
// HTTP boundary and feeds the gateway directly. No device or client
// condition terminates these loops; only context cancellation does.
type Orchestrator struct {
	link        Link
	window      *flow.Window
	framer      *framer.Framer
	broadcaster Broadcaster
	config      *Config
	logger      *zap.Logger
}

// NewOrchestrator wires the bridge loops
func NewOrchestrator(lm Link, window *flow.Window, fr *framer.Framer, broadcaster Broadcaster, config *Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		link:        lm,
		window:      window,
		framer:      fr,
		broadcaster: broadcaster,
		config:      config,
		logger:      logger.With(zap.String("component", "bridge")),
	}
}

// Run starts the reader and watchdog loops and blocks until ctx is
// canceled. The first open attempt happens immediately so an already
// present device does not wait a full retry interval.
func (o *Orchestrator) Run(ctx context.Context) {
	o.link.EnsureOpen()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.readerLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		o.watchdogLoop(ctx)
	}()
	wg.Wait()
}

// readerLoop continuously drains the serial link, reassembles telemetry
// lines, pops the flow window on acknowledgments and forwards every line to
// the client. A read error closes the connection, abandons in-flight
// commands and leaves reopening to the watchdog; the loop itself never
// exits except on shutdown.
//
// The framer is owned by this goroutine alone. Whenever the link comes back
// after being down, the accumulator is reset so stale fragments from the
// previous connection never merge with new output.
func (o *Orchestrator) readerLoop(ctx context.Context) {
	wasOpen := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !o.link.IsOpen() {
			wasOpen = false
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.config.IdlePoll):
			}
			continue
		}

		if !wasOpen {
			o.framer.Reset()
			wasOpen = true
		}

		data, err := o.link.ReadAvailable()
		if err != nil {
			o.logger.Warn("Serial read failed, closing link", zap.Error(err))
			o.link.Close()
			o.window.Clear()
			o.framer.Reset()
			wasOpen = false
			continue
		}
		if len(data) == 0 {
			// Read timeout with nothing new; the bounded wait already
			// happened inside ReadAvailable.
			continue
		}

		o.framer.Feed(data)
		for _, line := range o.framer.Extract() {
			o.logger.Debug("<- GRBL", zap.String("line", line))

			if line == ackToken {
				o.window.Acknowledge()
			}
			// Acknowledgment lines are forwarded too; the client-side
			// sender streams against them.
			o.broadcaster.Broadcast(line)
		}
	}
}

// watchdogLoop is the sole recovery path for an absent or lost device: at a
// fixed interval it tries to reopen the link whenever it is not open.
func (o *Orchestrator) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(o.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.link.IsOpen() {
				continue
			}
			o.link.EnsureOpen()
		}
	}
}
