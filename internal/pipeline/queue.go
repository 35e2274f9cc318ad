package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sitepulse/pulse/internal/consent"
	"github.com/sitepulse/pulse/internal/debuglog"
	"github.com/sitepulse/pulse/internal/event"
	"github.com/sitepulse/pulse/internal/forward"
	"github.com/sitepulse/pulse/internal/metrics"
	"github.com/sitepulse/pulse/internal/throttle"
	"github.com/sitepulse/pulse/internal/transport"
)

func (p *Pipeline) track(name string, props event.Props, forced bool) {
	p.mu.Lock()
	closed := p.closed
	path := p.location.Path
	p.mu.Unlock()
	if closed {
		return
	}
	if path == "" {
		path = "/"
	}
	now := p.clock.Now()

	if !forced {
		if !p.sampler.ShouldSample(name) {
			p.metrics.Suppressed.WithLabelValues(metrics.ReasonSampled).Inc()
			p.debug.Record(debuglog.Entry{At: now, Kind: debuglog.KindSampledOut, Name: name})
			return
		}
		tc := throttle.Context{Label: props.Label(), Href: props.Href(), Path: path}
		if p.throttle.IsThrottled(name, tc) {
			p.metrics.Suppressed.WithLabelValues(metrics.ReasonThrottled).Inc()
			p.debug.Record(debuglog.Entry{At: now, Kind: debuglog.KindThrottled, Name: name})
			return
		}
	}

	state := p.consent.State()
	payload := props.Payload()
	if attr := p.identity.Attribution(); len(attr) > 0 {
		payload["attribution"] = map[string]string(attr)
	}
	ev := event.Event{
		Name:      name,
		Label:     props.Label(),
		Path:      path,
		Href:      props.Href(),
		SessionID: p.identity.SessionID(),
		Consent:   string(state),
		CreatedAt: now,
		Payload:   payload,
	}
	p.metrics.Tracked.WithLabelValues(name).Inc()
	p.debug.Record(debuglog.Entry{At: now, Kind: debuglog.KindEvent, Event: &ev})

	if !p.consent.CanSend(forced) {
		p.metrics.Suppressed.WithLabelValues(metrics.ReasonConsent).Inc()
		p.debug.Record(debuglog.Entry{At: now, Kind: debuglog.KindBlocked, Event: &ev})
		return
	}
	if state == consent.Granted {
		p.forward(ev)
	}
	p.enqueue(ev)
}

func (p *Pipeline) forward(ev event.Event) {
	p.mu.Lock()
	fwds := append([]forward.Forwarder(nil), p.forwarders...)
	p.mu.Unlock()

	for _, f := range fwds {
		p.forwardTo(f, ev)
	}
}

func (p *Pipeline) forwardTo(f forward.Forwarder, ev event.Event) {
	defer p.recoverPanic("forward")
	c := ev.Clone()
	payload := c.Payload
	if payload == nil {
		payload = make(map[string]any, 3)
	}
	if c.Label != "" {
		payload["label"] = c.Label
	}
	if c.Href != "" {
		payload["href"] = c.Href
	}
	payload["path"] = c.Path
	f.Forward(c.Name, payload)
}

// enqueue appends ev, dropping the oldest events when the queue is full,
// and arms the debounce timer if none is pending.
func (p *Pipeline) enqueue(ev event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	capacity := p.cfg.Queue.Capacity
	if over := len(p.queue) - capacity + 1; over > 0 {
		n := copy(p.queue, p.queue[over:])
		p.queue = p.queue[:n]
		p.metrics.Dropped.Add(float64(over))
	}
	p.queue = append(p.queue, ev)
	if ev.Name == event.PageView {
		p.pageViewSent = true
	}
	p.metrics.QueueDepth.Set(float64(len(p.queue)))

	if p.timer == nil {
		p.timer = p.clock.AfterFunc(p.cfg.Queue.FlushDelay, p.onTimer, "pipeline", "flush")
	}
}

func (p *Pipeline) onTimer() { p.Flush(transport.Best) }

// QueueLen returns the number of events waiting to be sent.
func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Flush sends up to one batch. Remaining events are left for another
// debounce cycle. Durable sends complete before Flush returns; best-effort
// sends run in the background. Once the pipeline is torn down every send is
// made durable.
func (p *Pipeline) Flush(mode transport.Mode) {
	defer p.recoverPanic("flush")

	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	n := min(len(p.queue), p.cfg.Queue.BatchSize)
	batch := make([]event.Event, n)
	copy(batch, p.queue[:n])
	rest := copy(p.queue, p.queue[n:])
	p.queue = p.queue[:rest]
	p.metrics.QueueDepth.Set(float64(len(p.queue)))

	if p.closed {
		mode = transport.Durable
	} else if len(p.queue) > 0 {
		p.timer = p.clock.AfterFunc(p.cfg.Queue.FlushDelay, p.onTimer, "pipeline", "flush")
	}
	if mode == transport.Best {
		p.inflight.Add(1)
	}
	p.mu.Unlock()

	b := event.Batch{Events: batch}
	p.debug.Record(debuglog.Entry{
		At:      p.clock.Now(),
		Kind:    debuglog.KindFlush,
		Message: fmt.Sprintf("%d events (%s)", n, mode),
	})

	if mode == transport.Durable {
		p.dispatch(b, mode)
		return
	}
	go func() {
		defer p.inflight.Done()
		p.dispatch(b, mode)
	}()
}

// flushAll drains the queue in batches.
func (p *Pipeline) flushAll(mode transport.Mode) {
	for p.QueueLen() > 0 {
		p.Flush(mode)
	}
}

// dispatch hands b to the transport. The result is recorded and dropped;
// a failed batch is never retried.
func (p *Pipeline) dispatch(b event.Batch, mode transport.Mode) {
	defer p.recoverPanic("dispatch")
	err := p.transport.Send(context.Background(), b, mode)
	p.record(transport.Result{Mode: mode, Events: len(b.Events), Err: err})
}

func (p *Pipeline) record(r transport.Result) {
	p.metrics.BatchesSent.WithLabelValues(r.Mode.String()).Inc()
	if r.OK() {
		return
	}
	p.metrics.TransmissionFailure.WithLabelValues(r.Mode.String()).Inc()
	p.log.Debug("transmission failed",
		zap.Stringer("mode", r.Mode),
		zap.Int("events", r.Events),
		zap.Error(r.Err))
	p.debug.Record(debuglog.Entry{
		At:      p.clock.Now(),
		Kind:    debuglog.KindTransmissionError,
		Message: r.Err.Error(),
	})
}
