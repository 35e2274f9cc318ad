package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/sitepulse/pulse/internal/consent"
	"github.com/sitepulse/pulse/internal/event"
	"github.com/sitepulse/pulse/internal/perf"
	"github.com/sitepulse/pulse/internal/pipeline"
)

// op is one line of a page script.
type op struct {
	Op     string            `json:"op"`
	URL    string            `json:"url,omitempty"`
	Event  string            `json:"event,omitempty"`
	Props  map[string]any    `json:"props,omitempty"`
	State  string            `json:"state,omitempty"`
	Entry  *perf.Entry       `json:"entry,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
	MS     int               `json:"ms,omitempty"`
	Rate   *float64          `json:"rate,omitempty"`
}

type runner struct {
	p     *pipeline.Pipeline
	perf  *perf.ManualRuntime
	clock quartz.Clock
	log   *zap.Logger
}

// run replays the script line by line until it ends or ctx is cancelled.
// Malformed lines are logged and skipped.
func (r *runner) run(ctx context.Context, script io.Reader) error {
	sc := bufio.NewScanner(script)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var o op
		if err := json.Unmarshal([]byte(text), &o); err != nil {
			r.log.Warn("skipping malformed line", zap.Int("line", line), zap.Error(err))
			continue
		}
		if err := r.apply(ctx, o); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.log.Warn("op failed", zap.Int("line", line), zap.String("op", o.Op), zap.Error(err))
		}
	}
	return sc.Err()
}

func (r *runner) apply(ctx context.Context, o op) error {
	switch o.Op {
	case "navigate":
		u, err := url.Parse(o.URL)
		if err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		r.p.Navigate(u)
	case "track":
		r.p.Track(o.Event, event.Props(o.Props))
	case "track_forced":
		r.p.TrackForced(o.Event, event.Props(o.Props))
	case "consent":
		s, ok := consent.ParseState(o.State)
		if !ok {
			return fmt.Errorf("consent: unknown state %q", o.State)
		}
		r.p.SetConsent(s)
	case "perf":
		if o.Entry == nil {
			return errors.New("perf: missing entry")
		}
		r.perf.Record(*o.Entry)
	case "lifecycle":
		l, ok := pipeline.ParseLifecycle(o.State)
		if !ok {
			return fmt.Errorf("lifecycle: unknown state %q", o.State)
		}
		r.p.HandleLifecycle(l)
	case "lead":
		if err := r.p.SubmitLead(ctx, o.Fields); err != nil {
			return fmt.Errorf("lead: %w", err)
		}
	case "sleep":
		return r.sleep(ctx, time.Duration(o.MS)*time.Millisecond)
	case "sample_rate":
		if o.Rate == nil {
			return errors.New("sample_rate: missing rate")
		}
		return r.p.SetSampleRate(*o.Rate)
	case "clear_sample_rate":
		r.p.ClearSampleRate()
	default:
		return fmt.Errorf("unknown op %q", o.Op)
	}
	return nil
}

func (r *runner) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := r.clock.NewTimer(d, "agent", "sleep")
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
