package dobiss

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Poller refreshes every relay in turn at a fixed interval, so that
// changes made at wall switches reach Core without a command.
type Poller struct {
	relays   func() []*Relay
	interval time.Duration

	// onCycle, if set, is called after each full pass.
	onCycle func(PollResult)

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// PollResult summarises one pass over all relays.
type PollResult struct {
	// RequestID identifies the pass in logs.
	RequestID string
	Refreshed int
	TimedOut  []string
	Failed    []string
	Duration  time.Duration
}

// NewPoller creates a poller over the relays returned by source.
// An interval of zero or less disables polling; Start is then a no-op.
func NewPoller(source func() []*Relay, interval time.Duration, logger Logger) *Poller {
	return &Poller{
		relays:   source,
		interval: interval,
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// OnCycle registers a callback invoked after each pass. Call before Start.
func (p *Poller) OnCycle(fn func(PollResult)) {
	p.onCycle = fn
}

// Enabled reports whether the poller runs.
func (p *Poller) Enabled() bool {
	return p.interval > 0
}

// Start runs the first pass immediately, then one per interval.
func (p *Poller) Start(ctx context.Context) {
	if !p.Enabled() {
		return
	}
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts polling and waits for an in-flight pass to abort.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		res := p.PollOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if p.onCycle != nil {
			p.onCycle(res)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce refreshes every relay once, in order. Errors are collected,
// not returned; a pass aborts only when ctx is done.
func (p *Poller) PollOnce(ctx context.Context) PollResult {
	start := time.Now()
	res := PollResult{RequestID: newRequestID()}

	for _, r := range p.relays() {
		if ctx.Err() != nil {
			break
		}

		err := r.Refresh(ctx)
		switch {
		case err == nil:
			res.Refreshed++
		case errors.Is(err, ErrReplyTimeout):
			res.TimedOut = append(res.TimedOut, r.DeviceID())
		case ctx.Err() != nil:
		default:
			res.Failed = append(res.Failed, r.DeviceID())
			p.logWarn("poll refresh failed", "device_id", r.DeviceID(), "error", err)
		}
	}

	res.Duration = time.Since(start)
	if len(res.TimedOut) > 0 {
		p.logWarn("relays did not answer status query",
			"request_id", res.RequestID,
			"devices", res.TimedOut)
	}
	p.logDebug("poll pass complete",
		"request_id", res.RequestID,
		"refreshed", res.Refreshed,
		"duration", res.Duration)
	return res
}

func (p *Poller) logWarn(msg string, keysAndValues ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, keysAndValues...)
	}
}

func (p *Poller) logDebug(msg string, keysAndValues ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, keysAndValues...)
	}
}
