// Package healer runs the self-heal crawler: it walks the namespace of
// replicate translators breadth-first and runs a heal session on every
// inode, periodically and whenever a replica comes back.
package healer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/syncop"
	"github.com/marmos91/mirrorfs/pkg/xlator"
	"github.com/marmos91/mirrorfs/pkg/xlators/cluster/replicate"
	"golang.org/x/sync/errgroup"
)

// Options configures the daemon.
type Options struct {
	// Interval is the time between two full crawls
	Interval time.Duration

	// Concurrency bounds the heal sessions in flight per directory
	Concurrency int

	// OnChildUp crawls a replicate node as soon as one of its children
	// comes back
	OnChildUp bool

	// SessionTimeout bounds a single heal session. Zero means 5 minutes.
	SessionTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 5 * time.Minute
	}
}

// Report summarizes one crawl.
type Report struct {
	Scanned    int
	Clean      int
	Healed     int
	SplitBrain int
	Failed     int

	// SplitBrainPaths lists the paths that need manual resolution
	SplitBrainPaths []string
}

func (r *Report) add(o Report) {
	r.Scanned += o.Scanned
	r.Clean += o.Clean
	r.Healed += o.Healed
	r.SplitBrain += o.SplitBrain
	r.Failed += o.Failed
	r.SplitBrainPaths = append(r.SplitBrainPaths, o.SplitBrainPaths...)
}

func (r *Report) record(res *replicate.HealResult) {
	r.Scanned++
	switch res.Outcome {
	case replicate.OutcomeClean:
		r.Clean++
	case replicate.OutcomeHealed:
		r.Healed++
	case replicate.OutcomeSplitBrain:
		r.SplitBrain++
		r.SplitBrainPaths = append(r.SplitBrainPaths, res.Path)
	default:
		r.Failed++
	}
}

// Metrics receives crawl results.
type Metrics interface {
	CrawlFinished(volume string, report Report, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) CrawlFinished(string, Report, time.Duration) {}

// Daemon crawls a set of replicate translators.
type Daemon struct {
	targets []*replicate.Replicate
	opts    Options
	metrics Metrics

	trigger chan string

	// running guards against two crawls of the same target
	mu      sync.Mutex
	running map[string]bool
}

// New creates a daemon over targets. metrics may be nil.
func New(targets []*replicate.Replicate, opts Options, metrics Metrics) *Daemon {
	opts.applyDefaults()
	if metrics == nil {
		metrics = noopMetrics{}
	}
	d := &Daemon{
		targets: targets,
		opts:    opts,
		metrics: metrics,
		trigger: make(chan string, len(targets)+1),
		running: make(map[string]bool),
	}
	if opts.OnChildUp {
		for _, r := range targets {
			r.OnChildUp(func(child string) {
				logger.Info("Healer: %s is back on %s, scheduling a crawl", child, r.Name())
				d.Trigger(r.Name())
			})
		}
	}
	return d
}

// Trigger asks Run to crawl the named target soon. Requests made while one
// is already pending are merged.
func (d *Daemon) Trigger(name string) {
	select {
	case d.trigger <- name:
	default:
	}
}

// Run crawls every target on each tick and on every trigger until ctx is
// done.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	logger.Info("Healer: crawling %d volume(s) every %s", len(d.targets), d.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Healer: stopped")
			return nil
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Healer: crawl failed: %v", err)
			}
		case name := <-d.trigger:
			for _, r := range d.targets {
				if r.Name() != name {
					continue
				}
				if _, err := d.Crawl(ctx, r); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("Healer: crawl of %s failed: %v", name, err)
				}
			}
		}
	}
}

// RunOnce crawls every target once and returns the combined report.
func (d *Daemon) RunOnce(ctx context.Context) (Report, error) {
	var total Report
	for _, r := range d.targets {
		rep, err := d.Crawl(ctx, r)
		total.add(rep)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Crawl walks r breadth-first from the root. Each directory is healed
// before it is listed, so the listing already reflects the repaired
// entries; the entries of one directory are healed concurrently.
func (d *Daemon) Crawl(ctx context.Context, r *replicate.Replicate) (Report, error) {
	var report Report
	if !d.begin(r.Name()) {
		logger.Debug("Healer: crawl of %s already running", r.Name())
		return report, nil
	}
	defer d.end(r.Name())

	start := time.Now()
	logger.Info("Healer: crawling %s", r.Name())

	// heal fails only once ctx is done. A session that runs out of time
	// counts as failed and the crawl moves on.
	var mu sync.Mutex
	heal := func(path string) (*replicate.HealResult, error) {
		hctx, cancel := context.WithTimeout(ctx, d.opts.SessionTimeout)
		defer cancel()
		res, err := r.HealPath(hctx, path)
		if res == nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("Healer: heal of %s on %s gave up: %v", path, r.Name(), err)
			res = &replicate.HealResult{Path: path, Outcome: replicate.OutcomeFailed, Err: err}
		}
		mu.Lock()
		report.record(res)
		mu.Unlock()
		if res.Outcome == replicate.OutcomeHealed {
			logger.Info("Healer: healed %s (%s) from %s", path, res.Kind, res.Source)
		}
		return res, nil
	}

	queue := []string{"/"}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return d.finish(r, report, start, err)
		}
		dir := queue[0]
		queue = queue[1:]

		// ====================================================================
		// Step 1: repair the entries of dir
		// ====================================================================

		if _, err := heal(dir); err != nil {
			return d.finish(r, report, start, err)
		}

		// ====================================================================
		// Step 2: list it and heal every child
		// ====================================================================

		entries, err := syncop.Readdir(ctx, r, dir)
		if err != nil {
			if ctx.Err() != nil {
				return d.finish(r, report, start, ctx.Err())
			}
			logger.Warn("Healer: cannot list %s on %s: %v", dir, r.Name(), err)
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.opts.Concurrency)
		loc := xlator.NewLoc(dir)
		for _, e := range entries {
			child := loc.Child(e.Name).Path
			if e.Stat.Type == xlator.FileTypeDirectory {
				queue = append(queue, child)
				continue
			}
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				_, err := heal(child)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return d.finish(r, report, start, err)
		}
	}

	return d.finish(r, report, start, nil)
}

func (d *Daemon) finish(r *replicate.Replicate, report Report, start time.Time, err error) (Report, error) {
	elapsed := time.Since(start)
	d.metrics.CrawlFinished(r.Name(), report, elapsed)
	logger.Info("Healer: crawl of %s done in %s: scanned=%d healed=%d split-brain=%d failed=%d",
		r.Name(), elapsed.Round(time.Millisecond), report.Scanned, report.Healed, report.SplitBrain, report.Failed)
	for _, p := range report.SplitBrainPaths {
		logger.Warn("Healer: %s on %s is in split-brain, resolve it by hand", p, r.Name())
	}
	return report, err
}

func (d *Daemon) begin(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running[name] {
		return false
	}
	d.running[name] = true
	return true
}

func (d *Daemon) end(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, name)
}
