package pipeline

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/sitepulse/pulse/internal/config"
	"github.com/sitepulse/pulse/internal/consent"
	"github.com/sitepulse/pulse/internal/debuglog"
	"github.com/sitepulse/pulse/internal/event"
	"github.com/sitepulse/pulse/internal/perf"
	"github.com/sitepulse/pulse/internal/storage"
	"github.com/sitepulse/pulse/internal/transport"
)

// Lifecycle is a page visibility transition reported by the host.
type Lifecycle int

const (
	Visible Lifecycle = iota
	Hidden
	PageHide
)

func (l Lifecycle) String() string {
	switch l {
	case Visible:
		return "visible"
	case Hidden:
		return "hidden"
	case PageHide:
		return "pagehide"
	}
	return "unknown"
}

// ParseLifecycle accepts "visible", "hidden" and "pagehide".
func ParseLifecycle(s string) (Lifecycle, bool) {
	switch s {
	case "visible":
		return Visible, true
	case "hidden":
		return Hidden, true
	case "pagehide":
		return PageHide, true
	}
	return Visible, false
}

var localHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
}

// Init starts the page life: it applies URL overrides, captures
// attribution, starts the performance observer and tracks the initial page
// view. Calls after the first are ignored.
func (p *Pipeline) Init(ctx context.Context) {
	defer p.recoverPanic("init")

	p.mu.Lock()
	if p.initialized || p.closed {
		p.mu.Unlock()
		return
	}
	p.initialized = true
	loc := p.location
	p.mu.Unlock()

	p.applyLocation(loc)
	obs := perf.Start(p.perfRT, p.log.Named("perf"))
	p.mu.Lock()
	p.observer = obs
	p.mu.Unlock()

	props := event.Props{}
	if p.deviceFn != nil {
		dc, err := p.deviceFn(ctx)
		if err != nil {
			p.log.Debug("device context unavailable", zap.Error(err))
		} else {
			props["device"] = dc.Map()
		}
	}
	p.track(event.PageView, props, false)
}

// Navigate moves the page to u and tracks a page view for it.
func (p *Pipeline) Navigate(u *url.URL) {
	defer p.recoverPanic("navigate")
	if u == nil {
		return
	}
	loc := cloneURL(u)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.location = loc
	p.mu.Unlock()

	p.applyLocation(loc)
	p.track(event.PageView, event.Props{}, false)
}

func (p *Pipeline) applyLocation(u *url.URL) {
	p.identity.CaptureAttribution(u.Query())
	o := config.ParseOverrides(u)
	if o.SampleRate != nil {
		p.sampler.SetURLRate(*o.SampleRate)
	}
	p.debug.SetEnabled(p.resolveDebug(u, o))
}

// resolveDebug applies a URL debug switch to durable storage and reports
// whether debug mode is on.
func (p *Pipeline) resolveDebug(u *url.URL, o config.Overrides) bool {
	if o.Debug != nil {
		var err error
		if *o.Debug {
			err = p.durable.Set(storage.KeyDebug, "1")
		} else {
			err = p.durable.Remove(storage.KeyDebug)
		}
		if err != nil {
			p.log.Debug("persisting debug flag failed", zap.Error(err))
		}
	}

	switch {
	case p.cfg.ForceDebug:
		return true
	case o.Debug != nil && *o.Debug:
		return true
	case localHosts[u.Hostname()]:
		return true
	}
	v, ok, err := p.durable.Get(storage.KeyDebug)
	return err == nil && ok && v == "1"
}

// HandleLifecycle reacts to a visibility transition. The first Hidden or
// PageHide of a page life reports performance metrics and flushes the queue
// durably.
func (p *Pipeline) HandleLifecycle(l Lifecycle) {
	defer p.recoverPanic("lifecycle")
	switch l {
	case Hidden, PageHide:
		p.exit()
	}
}

func (p *Pipeline) exit() {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	obs := p.observer
	p.mu.Unlock()

	if obs != nil {
		for _, o := range obs.Flush() {
			p.debug.Record(debuglog.Entry{
				At:      p.clock.Now(),
				Kind:    debuglog.KindWebVital,
				Name:    string(o.Metric),
				Message: string(o.Rating),
			})
			p.track(event.WebVital, event.Props{
				"metric": string(o.Metric),
				"value":  o.Value,
				"rating": string(o.Rating),
			}, false)
		}
	}
	p.flushAll(transport.Durable)
}

// Teardown ends the page life. It runs the exit path if it has not run,
// sends whatever is still queued and waits for background sends. Track is
// a no-op afterwards. Events queued after an earlier Hidden get a second
// durable flush here.
func (p *Pipeline) Teardown() {
	defer p.recoverPanic("teardown")

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.exit()

	p.mu.Lock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	p.flushAll(transport.Durable)
	p.inflight.Wait()
}

func (p *Pipeline) onConsent(t consent.Transition) {
	p.debug.Record(debuglog.Entry{
		At:      t.At,
		Kind:    debuglog.KindConsent,
		Message: string(t.From) + " -> " + string(t.To),
	})

	if t.To == consent.Granted {
		p.mu.Lock()
		sent := p.pageViewSent
		p.mu.Unlock()
		if !sent {
			p.track(event.PageView, event.Props{}, true)
		}
	}
	p.track(event.ConsentUpdate, event.Props{
		"from": string(t.From),
		"to":   string(t.To),
	}, true)
}
