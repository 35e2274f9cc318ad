package pipeline

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/sitepulse/pulse/internal/config"
	"github.com/sitepulse/pulse/internal/consent"
	"github.com/sitepulse/pulse/internal/debuglog"
	"github.com/sitepulse/pulse/internal/event"
	"github.com/sitepulse/pulse/internal/forward"
	"github.com/sitepulse/pulse/internal/perf"
	"github.com/sitepulse/pulse/internal/sampling"
	"github.com/sitepulse/pulse/internal/storage"
	"github.com/sitepulse/pulse/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sentBatch struct {
	mode   transport.Mode
	events []event.Event
}

type fakeTransport struct {
	mu      sync.Mutex
	batches []sentBatch
	err     error
}

func (f *fakeTransport) Send(_ context.Context, b event.Batch, mode transport.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, sentBatch{mode: mode, events: b.Events})
	return f.err
}

func (f *fakeTransport) sent() []sentBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentBatch(nil), f.batches...)
}

func names(evs []event.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Name
	}
	return out
}

type fakeLeads struct {
	got []transport.Lead
	err error
}

func (f *fakeLeads) Submit(_ context.Context, l transport.Lead) error {
	f.got = append(f.got, l)
	return f.err
}

type harness struct {
	p     *Pipeline
	tr    *fakeTransport
	clock *quartz.Mock
}

func newHarness(t *testing.T, consentDefault string, mutate ...func(*Options)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.ConsentDefault = consentDefault

	tr := &fakeTransport{}
	clock := quartz.NewMock(t)
	opts := Options{
		Config:    cfg,
		Location:  &url.URL{Scheme: "https", Host: "example.com", Path: "/pricing"},
		Transport: tr,
		Leads:     &fakeLeads{},
		Clock:     clock,
		Logger:    zaptest.NewLogger(t),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(p.Teardown)
	return &harness{p: p, tr: tr, clock: clock}
}

func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.clock.Advance(d).MustWait(ctx)
}

func hasKind(logs []debuglog.Entry, k debuglog.Kind) bool {
	for _, e := range logs {
		if e.Kind == k {
			return true
		}
	}
	return false
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Capacity = 0
	_, err := New(Options{Config: cfg})
	require.Error(t, err)
}

func TestConsentGating(t *testing.T) {
	h := newHarness(t, "pending")
	h.p.Track(event.CTAClick, event.Props{"label": "Start trial"})

	assert.Equal(t, 0, h.p.QueueLen())
	logs := h.p.Logs()
	assert.True(t, hasKind(logs, debuglog.KindEvent), "blocked events are still mirrored")
	assert.True(t, hasKind(logs, debuglog.KindBlocked))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.p.metrics.Suppressed.WithLabelValues("consent")))

	h.p.TrackForced(event.CTAClick, event.Props{"label": "Start trial"})
	assert.Equal(t, 1, h.p.QueueLen(), "forced events bypass the gate")
}

func TestDeniedBlocksUnforced(t *testing.T) {
	h := newHarness(t, "denied")
	h.p.Track(event.PageView, nil)
	assert.Equal(t, 0, h.p.QueueLen())
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	h := newHarness(t, "granted")
	for i := 0; i < 60; i++ {
		h.p.Track("custom", event.Props{"i": i})
	}
	require.Equal(t, 50, h.p.QueueLen())
	assert.Equal(t, 10.0, testutil.ToFloat64(h.p.metrics.Dropped))

	h.p.Flush(transport.Durable)
	sent := h.tr.sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].events, 50)
	assert.Equal(t, 10, sent[0].events[0].Payload["i"])
	assert.Equal(t, 59, sent[0].events[49].Payload["i"])
}

func TestDebounceBatchesEvents(t *testing.T) {
	h := newHarness(t, "granted")
	h.p.Track("first", nil)
	h.advance(t, time.Second)
	h.p.Track("second", nil)
	assert.Empty(t, h.tr.sent(), "nothing sent before the debounce delay")

	h.advance(t, 200*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.tr.sent()) == 1 }, time.Second, 5*time.Millisecond)

	b := h.tr.sent()[0]
	assert.Equal(t, transport.Best, b.mode)
	assert.Equal(t, []string{"first", "second"}, names(b.events))
	assert.Equal(t, 0, h.p.QueueLen())
}

func TestHiddenFlushesDurablyOnce(t *testing.T) {
	h := newHarness(t, "granted")
	h.p.Track("a", nil)
	h.p.Track("b", nil)
	h.p.Track("c", nil)

	h.p.HandleLifecycle(Hidden)
	sent := h.tr.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, transport.Durable, sent[0].mode)
	assert.Equal(t, []string{"a", "b", "c"}, names(sent[0].events))

	h.p.HandleLifecycle(PageHide)
	h.p.HandleLifecycle(Visible)
	h.p.Teardown()
	assert.Len(t, h.tr.sent(), 1, "exit path runs once")
}

func TestExitDrainsInBatches(t *testing.T) {
	h := newHarness(t, "granted", func(o *Options) { o.Config.Queue.BatchSize = 2 })
	for i := 0; i < 5; i++ {
		h.p.Track("custom", nil)
	}
	h.p.HandleLifecycle(PageHide)

	sent := h.tr.sent()
	require.Len(t, sent, 3)
	assert.Len(t, sent[0].events, 2)
	assert.Len(t, sent[2].events, 1)
	for _, b := range sent {
		assert.Equal(t, transport.Durable, b.mode)
	}
}

func TestGrantEmitsPageViewOnce(t *testing.T) {
	h := newHarness(t, "pending")
	h.p.Init(context.Background())
	require.Equal(t, 0, h.p.QueueLen(), "initial page view blocked while pending")

	assert.True(t, h.p.SetConsent(consent.Granted))
	assert.False(t, h.p.SetConsent(consent.Granted), "repeat grant is a no-op")

	h.p.Flush(transport.Durable)
	sent := h.tr.sent()
	require.Len(t, sent, 1)
	evs := sent[0].events
	assert.Equal(t, []string{event.PageView, event.ConsentUpdate}, names(evs))
	assert.Equal(t, "pending", evs[1].Payload["from"])
	assert.Equal(t, "granted", evs[1].Payload["to"])
	assert.Equal(t, consent.Granted, h.p.Consent())
}

func TestConsentChangesAfterPageView(t *testing.T) {
	h := newHarness(t, "granted")
	h.p.Init(context.Background())
	h.p.SetConsent(consent.Denied)
	h.p.SetConsent(consent.Granted)
	h.p.Track(event.CTAClick, event.Props{"label": "Buy"})
	h.p.Flush(transport.Durable)

	sent := h.tr.sent()
	require.Len(t, sent, 1)
	assert.Equal(t,
		[]string{event.PageView, event.ConsentUpdate, event.ConsentUpdate, event.CTAClick},
		names(sent[0].events))
}

func TestForwardersRunOnlyWhenGranted(t *testing.T) {
	dl := forward.NewDataLayer()
	h := newHarness(t, "pending", func(o *Options) { o.Forwarders = []forward.Forwarder{dl} })

	h.p.TrackForced("forced_while_pending", nil)
	assert.Equal(t, 0, dl.Len())

	h.p.SetConsent(consent.Granted)
	h.p.Track(event.CTAClick, event.Props{"label": "Start", "plan": "pro"})

	entries := dl.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, event.PageView, entries[0]["event"])
	assert.Equal(t, event.ConsentUpdate, entries[1]["event"])
	assert.Equal(t, event.CTAClick, entries[2]["event"])
	assert.Equal(t, "Start", entries[2]["label"])
	assert.Equal(t, "pro", entries[2]["plan"])
	assert.Equal(t, "/pricing", entries[2]["path"])
}

func TestForwarderPanicIsContained(t *testing.T) {
	h := newHarness(t, "granted")
	h.p.AddForwarder(forward.Func(func(string, map[string]any) { panic("tag manager exploded") }))

	assert.NotPanics(t, func() { h.p.Track("custom", nil) })
	assert.Equal(t, 1, h.p.QueueLen(), "event still queued")
	assert.True(t, hasKind(h.p.Logs(), debuglog.KindPanic))
}

func TestTransmissionFailureIsRecordedAndDropped(t *testing.T) {
	h := newHarness(t, "granted")
	h.tr.err = &transport.TransmissionError{Mode: transport.Durable, Events: 1, StatusCode: 503}

	h.p.Track("custom", nil)
	h.p.Flush(transport.Durable)

	assert.Equal(t, 0, h.p.QueueLen(), "failed batch is not requeued")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.p.metrics.TransmissionFailure.WithLabelValues("durable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.p.metrics.BatchesSent.WithLabelValues("durable")))
	assert.True(t, hasKind(h.p.Logs(), debuglog.KindTransmissionError))
}

func TestThrottleCTA(t *testing.T) {
	h := newHarness(t, "granted")
	props := event.Props{"label": "Start trial", "href": "/signup"}

	h.p.Track(event.CTAClick, props)
	h.advance(t, 300*time.Millisecond)
	h.p.Track(event.CTAClick, props)
	h.advance(t, 600*time.Millisecond)
	h.p.Track(event.CTAClick, props)

	assert.Equal(t, 2, h.p.QueueLen())
	assert.True(t, hasKind(h.p.Logs(), debuglog.KindThrottled))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.p.metrics.Suppressed.WithLabelValues("throttled")))
}

func TestSampleRateOverride(t *testing.T) {
	h := newHarness(t, "granted")

	_, ok := h.p.SampleRate()
	assert.False(t, ok)

	require.NoError(t, h.p.SetSampleRate(0))
	r, ok := h.p.SampleRate()
	require.True(t, ok)
	assert.Equal(t, 0.0, r)

	h.p.Track("custom", nil)
	assert.Equal(t, 0, h.p.QueueLen())
	assert.True(t, hasKind(h.p.Logs(), debuglog.KindSampledOut))

	h.p.TrackForced("custom", nil)
	assert.Equal(t, 1, h.p.QueueLen(), "forced events skip sampling")

	assert.ErrorIs(t, h.p.SetSampleRate(1.5), sampling.ErrInvalidRate)

	h.p.ClearSampleRate()
	_, ok = h.p.SampleRate()
	assert.False(t, ok)
	h.p.Track("custom", nil)
	assert.Equal(t, 2, h.p.QueueLen())
}

func TestURLSampleRate(t *testing.T) {
	h := newHarness(t, "granted", func(o *Options) {
		o.Location = &url.URL{Scheme: "https", Host: "example.com", Path: "/", RawQuery: "sampleRate=0"}
	})
	h.p.Init(context.Background())
	assert.Equal(t, 0, h.p.QueueLen(), "page view sampled out by URL rate")
	r, ok := h.p.SampleRate()
	require.True(t, ok)
	assert.Equal(t, 0.0, r)
}

func TestURLSampleRate_Malformed(t *testing.T) {
	h := newHarness(t, "granted", func(o *Options) {
		o.Location = &url.URL{Scheme: "https", Host: "example.com", Path: "/", RawQuery: "sampleRate=abc"}
	})
	h.p.Init(context.Background())
	assert.Equal(t, 1, h.p.QueueLen(), "malformed URL rate is ignored")
	_, ok := h.p.SampleRate()
	assert.False(t, ok)
}

func TestConsentBannerVisible(t *testing.T) {
	h := newHarness(t, "pending", func(o *Options) {
		o.Config.ShowConsentBanner = true
	})
	assert.True(t, h.p.ConsentBannerVisible())
	h.p.SetConsent(consent.Denied)
	assert.False(t, h.p.ConsentBannerVisible(), "hidden once the visitor chose")

	off := newHarness(t, "pending")
	assert.False(t, off.p.ConsentBannerVisible(), "banner disabled by config")
}

func TestTeardownAfterHiddenSendsLateEvents(t *testing.T) {
	h := newHarness(t, "granted")
	h.p.Track("a", nil)
	h.p.HandleLifecycle(Hidden)
	h.p.Track("b", nil)
	h.p.Teardown()

	sent := h.tr.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "a", sent[0].events[0].Name)
	assert.Equal(t, "b", sent[1].events[0].Name)
	assert.Equal(t, transport.Durable, sent[1].mode)
}

func TestEventCarriesIdentity(t *testing.T) {
	h := newHarness(t, "granted", func(o *Options) {
		o.Location = &url.URL{Scheme: "https", Host: "example.com", Path: "/pricing", RawQuery: "utm_source=news&utm_medium=email"}
	})
	h.p.Init(context.Background())
	h.p.Flush(transport.Durable)

	sent := h.tr.sent()
	require.Len(t, sent, 1)
	ev := sent[0].events[0]
	assert.Equal(t, event.PageView, ev.Name)
	assert.Equal(t, "/pricing", ev.Path)
	assert.Equal(t, h.p.SessionID(), ev.SessionID)
	assert.Equal(t, "granted", ev.Consent)
	assert.Equal(t, map[string]string{"utm_source": "news", "utm_medium": "email"}, ev.Payload["attribution"])
	assert.Equal(t, "news", h.p.Attribution()["utm_source"])
}

func TestNavigateTracksPageView(t *testing.T) {
	h := newHarness(t, "granted")
	h.p.Init(context.Background())
	h.p.Navigate(&url.URL{Scheme: "https", Host: "example.com", Path: "/docs"})
	h.p.Flush(transport.Durable)

	evs := h.tr.sent()[0].events
	require.Len(t, evs, 2)
	assert.Equal(t, "/pricing", evs[0].Path)
	assert.Equal(t, "/docs", evs[1].Path)
}

func TestExitReportsWebVitals(t *testing.T) {
	rt := perf.NewManualRuntime()
	h := newHarness(t, "granted", func(o *Options) { o.Performance = rt })
	h.p.Init(context.Background())

	rt.Record(perf.Entry{Type: perf.LargestContentfulPaint, StartTime: 3000})
	h.p.HandleLifecycle(Hidden)

	sent := h.tr.sent()
	require.Len(t, sent, 1)
	evs := sent[0].events
	require.Equal(t, []string{event.PageView, event.WebVital}, names(evs))
	assert.Equal(t, "LCP", evs[1].Payload["metric"])
	assert.Equal(t, "needs_improvement", evs[1].Payload["rating"])
	assert.Equal(t, 0, rt.Observing())
	assert.True(t, hasKind(h.p.Logs(), debuglog.KindWebVital))
}

func TestDebugEnablement(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		force   bool
		stored  string
		want    bool
		wantKey bool
	}{
		{name: "plain", rawURL: "https://example.com/", want: false},
		{name: "forced", rawURL: "https://example.com/", force: true, want: true},
		{name: "localhost", rawURL: "http://localhost:3000/", want: true},
		{name: "loopback", rawURL: "http://127.0.0.1/", want: true},
		{name: "url on", rawURL: "https://example.com/?debugAnalytics=1", want: true, wantKey: true},
		{name: "stored", rawURL: "https://example.com/", stored: "1", want: true, wantKey: true},
		{name: "url off clears", rawURL: "https://example.com/?debugAnalytics=0", stored: "1", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			durable := storage.NewMemory()
			if tt.stored != "" {
				require.NoError(t, durable.Set(storage.KeyDebug, tt.stored))
			}
			u, err := url.Parse(tt.rawURL)
			require.NoError(t, err)
			h := newHarness(t, "granted", func(o *Options) {
				o.Location = u
				o.DurableStore = durable
				o.Config.ForceDebug = tt.force
			})
			h.p.Init(context.Background())

			assert.Equal(t, tt.want, h.p.DebugEnabled())
			_, ok, _ := durable.Get(storage.KeyDebug)
			assert.Equal(t, tt.wantKey, ok)
		})
	}
}

func TestTeardown(t *testing.T) {
	h := newHarness(t, "granted")
	h.p.Track("a", nil)
	h.p.Teardown()

	sent := h.tr.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, transport.Durable, sent[0].mode)

	h.p.Track("after", nil)
	h.p.TrackForced("after", nil)
	assert.Equal(t, 0, h.p.QueueLen())
	assert.NotPanics(t, h.p.Teardown)
}

func TestBestFlushWaitsOnTeardown(t *testing.T) {
	h := newHarness(t, "granted")
	h.p.Track("a", nil)
	h.p.Flush(transport.Best)
	h.p.Teardown()

	sent := h.tr.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, transport.Best, sent[0].mode)
}

func TestSubmitLead(t *testing.T) {
	leads := &fakeLeads{}
	h := newHarness(t, "granted", func(o *Options) {
		o.Leads = leads
		o.Location = &url.URL{Scheme: "https", Host: "example.com", Path: "/contact", RawQuery: "utm_campaign=launch"}
	})
	h.p.Init(context.Background())

	require.NoError(t, h.p.SubmitLead(context.Background(), map[string]string{"email": "a@example.com"}))
	require.Len(t, leads.got, 1)
	assert.Equal(t, h.p.SessionID(), leads.got[0].SessionID)
	assert.Equal(t, "launch", leads.got[0].Attribution["utm_campaign"])
	assert.Equal(t, "a@example.com", leads.got[0].Fields["email"])

	leads.err = transport.ErrLeadRejected
	err := h.p.SubmitLead(context.Background(), map[string]string{})
	assert.True(t, errors.Is(err, transport.ErrLeadRejected))

	h.p.Flush(transport.Durable)
	evs := h.tr.sent()[0].events
	require.Equal(t, []string{event.PageView, event.LeadSubmit, event.LeadSubmit}, names(evs))
	assert.Equal(t, true, evs[1].Payload["ok"])
	assert.Equal(t, false, evs[2].Payload["ok"])
}

func TestExportLogs(t *testing.T) {
	h := newHarness(t, "pending")
	h.p.Track("custom", nil)
	data, err := h.p.ExportLogs()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"blocked"`)

	h.p.ClearLogs()
	assert.Empty(t, h.p.Logs())
}
