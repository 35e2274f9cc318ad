// Package pipeline composes consent, sampling, throttling, identity and the
// performance observer into one telemetry pipeline per page life.
//
// Track never blocks on the network and never returns an error. Events that
// pass every gate are queued and sent in batches, either after a short
// debounce or when the page is being hidden or torn down.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sitepulse/pulse/internal/config"
	"github.com/sitepulse/pulse/internal/consent"
	"github.com/sitepulse/pulse/internal/debuglog"
	"github.com/sitepulse/pulse/internal/device"
	"github.com/sitepulse/pulse/internal/event"
	"github.com/sitepulse/pulse/internal/forward"
	"github.com/sitepulse/pulse/internal/identity"
	"github.com/sitepulse/pulse/internal/metrics"
	"github.com/sitepulse/pulse/internal/perf"
	"github.com/sitepulse/pulse/internal/sampling"
	"github.com/sitepulse/pulse/internal/storage"
	"github.com/sitepulse/pulse/internal/throttle"
	"github.com/sitepulse/pulse/internal/transport"
)

// LeadSubmitter posts lead forms. *transport.LeadClient implements it.
type LeadSubmitter interface {
	Submit(ctx context.Context, lead transport.Lead) error
}

// Options configures a Pipeline. Zero fields get working defaults: an HTTP
// transport to the configured endpoints, in-memory storage, the real clock
// and a no-op logger.
type Options struct {
	Config   *config.Config
	Location *url.URL

	Transport transport.Transport
	Leads     LeadSubmitter

	SessionStore storage.Store
	DurableStore storage.Store

	Clock      quartz.Clock
	Logger     *zap.Logger
	Registerer prometheus.Registerer

	Forwarders  []forward.Forwarder
	Performance perf.Runtime
	// Device describes the host for the initial page view. Nil skips it.
	Device func(context.Context) (device.Context, error)
}

type Pipeline struct {
	cfg       *config.Config
	log       *zap.Logger
	clock     quartz.Clock
	transport transport.Transport
	leads     LeadSubmitter
	durable   storage.Store
	perfRT    perf.Runtime
	deviceFn  func(context.Context) (device.Context, error)

	identity *identity.Provider
	consent  *consent.Manager
	sampler  *sampling.Engine
	throttle *throttle.Engine
	debug    *debuglog.Surface
	metrics  *metrics.Metrics

	mu           sync.Mutex
	location     *url.URL
	forwarders   []forward.Forwarder
	queue        []event.Event
	timer        *quartz.Timer
	observer     *perf.Observer
	pageViewSent bool
	initialized  bool
	exited       bool
	closed       bool

	inflight sync.WaitGroup
}

// New builds a pipeline. It performs no I/O beyond reading storage; call
// Init to start the page life.
func New(opts Options) (*Pipeline, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	session := opts.SessionStore
	if session == nil {
		session = storage.NewMemory()
	}
	durable := opts.DurableStore
	if durable == nil {
		durable = storage.NewMemory()
	}
	session = storage.NewFallback(session, log.Named("session-store"))
	durable = storage.NewFallback(durable, log.Named("durable-store"))

	tr := opts.Transport
	if tr == nil {
		tr = transport.NewHTTP(cfg.EventsURL(),
			transport.WithGzip(cfg.Transport.Compress),
			transport.WithTimeout(cfg.Transport.Timeout))
	}
	leads := opts.Leads
	if leads == nil {
		leads = transport.NewLeadClient(cfg.LeadsURL(), &http.Client{Timeout: cfg.Transport.Timeout})
	}

	loc := opts.Location
	if loc == nil {
		loc = &url.URL{Path: "/"}
	}

	ident := identity.NewProvider(session, durable, log.Named("identity"))
	def, _ := consent.ParseState(cfg.ConsentDefault)

	p := &Pipeline{
		cfg:        cfg,
		log:        log,
		clock:      clock,
		transport:  tr,
		leads:      leads,
		durable:    durable,
		perfRT:     opts.Performance,
		deviceFn:   opts.Device,
		identity:   ident,
		consent:    consent.NewManager(durable, def, clock, log.Named("consent")),
		sampler:    sampling.NewEngine(ident.SessionID(), cfg.SampleRates, durable, log.Named("sampling")),
		throttle:   throttle.NewEngine(clock, cfg.ThrottleWindows()),
		debug:      debuglog.New(cfg.Debug.LogCapacity, log.Named("debug")),
		metrics:    metrics.New(opts.Registerer),
		location:   cloneURL(loc),
		forwarders: append([]forward.Forwarder(nil), opts.Forwarders...),
	}
	p.consent.OnTransition(p.onConsent)
	return p, nil
}

// Track records a named event. It is subject to sampling, throttling and
// the consent gate.
func (p *Pipeline) Track(name string, props event.Props) {
	defer p.recoverPanic("track")
	p.track(name, props, false)
}

// TrackForced records an event that bypasses sampling, throttling and the
// consent gate.
func (p *Pipeline) TrackForced(name string, props event.Props) {
	defer p.recoverPanic("track")
	p.track(name, props, true)
}

// SetSampleRate stores a global per-client sample rate.
func (p *Pipeline) SetSampleRate(r float64) (err error) {
	defer p.recoverPanic("set_sample_rate")
	return p.sampler.SetClientRate(r)
}

func (p *Pipeline) ClearSampleRate() {
	defer p.recoverPanic("clear_sample_rate")
	p.sampler.ClearClientRate()
}

// SampleRate returns the global override in effect, if any.
func (p *Pipeline) SampleRate() (rate float64, ok bool) {
	defer p.recoverPanic("sample_rate")
	return p.sampler.GlobalRate()
}

func (p *Pipeline) Logs() []debuglog.Entry { return p.debug.Logs() }

func (p *Pipeline) ClearLogs() { p.debug.Clear() }

func (p *Pipeline) ExportLogs() ([]byte, error) { return p.debug.Export() }

// Debug exposes the diagnostic surface for live viewers.
func (p *Pipeline) Debug() *debuglog.Surface { return p.debug }

func (p *Pipeline) DebugEnabled() bool { return p.debug.Enabled() }

func (p *Pipeline) Consent() consent.State { return p.consent.State() }

// SetConsent records the visitor's choice. It reports whether the state
// changed; repeating the current choice does nothing.
func (p *Pipeline) SetConsent(s consent.State) (changed bool) {
	defer p.recoverPanic("set_consent")
	_, changed = p.consent.Set(s)
	return changed
}

// ConsentBannerVisible reports whether the host should prompt for consent:
// the banner is enabled and the visitor has not chosen yet.
func (p *Pipeline) ConsentBannerVisible() bool {
	return p.cfg.ShowConsentBanner && p.consent.State() == consent.Pending
}

func (p *Pipeline) SessionID() string { return p.identity.SessionID() }

func (p *Pipeline) Attribution() identity.Attribution { return p.identity.Attribution() }

// AddForwarder registers a sink for consented events.
func (p *Pipeline) AddForwarder(f forward.Forwarder) {
	if f == nil {
		return
	}
	p.mu.Lock()
	p.forwarders = append(p.forwarders, f)
	p.mu.Unlock()
}

// SubmitLead posts a lead form with the visitor's session and attribution
// and tracks the outcome. Unlike telemetry, the error is returned.
func (p *Pipeline) SubmitLead(ctx context.Context, fields map[string]string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.notePanic("submit_lead", r)
			err = fmt.Errorf("submit lead: %v", r)
		}
	}()

	p.mu.Lock()
	page := p.location.String()
	p.mu.Unlock()

	lead := transport.Lead{
		Fields:      fields,
		SessionID:   p.identity.SessionID(),
		Attribution: p.identity.Attribution(),
		Page:        page,
	}
	err = p.leads.Submit(ctx, lead)
	p.track(event.LeadSubmit, event.Props{"ok": err == nil}, false)
	return err
}

func (p *Pipeline) recoverPanic(op string) {
	if r := recover(); r != nil {
		p.notePanic(op, r)
	}
}

func (p *Pipeline) notePanic(op string, r any) {
	p.log.Error("recovered panic", zap.String("op", op), zap.Any("panic", r), zap.Stack("stack"))
	p.debug.Record(debuglog.Entry{
		At:      p.clock.Now(),
		Kind:    debuglog.KindPanic,
		Name:    op,
		Message: fmt.Sprint(r),
	})
}

func cloneURL(u *url.URL) *url.URL {
	c := *u
	if u.User != nil {
		user := *u.User
		c.User = &user
	}
	return &c
}
