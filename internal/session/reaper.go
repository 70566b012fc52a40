package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Reaper periodically drops sessions older than MaxAge from a Store.
type Reaper struct {
	store    *Store
	schedule cron.Schedule
	maxAge   time.Duration
	now      func() time.Time
}

// ReaperOpts holds parameters for creating a Reaper.
type ReaperOpts struct {
	Store    *Store
	Schedule string // 5-field cron expression
	MaxAge   time.Duration
	// For testing: override the clock used to compute the next run.
	Now func() time.Time
}

// NewReaper validates opts and parses the schedule.
func NewReaper(opts ReaperOpts) (*Reaper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session: reaper: store is required")
	}
	if opts.MaxAge <= 0 {
		return nil, fmt.Errorf("session: reaper: max age must be positive")
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("session: reaper: parse schedule %q: %w", opts.Schedule, err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reaper{store: opts.Store, schedule: sched, maxAge: opts.MaxAge, now: now}, nil
}

// next returns the wait until the next scheduled run.
func (r *Reaper) next() time.Duration {
	now := r.now()
	d := r.schedule.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Run reaps on schedule until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(r.next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		r.RunOnce()
	}
}

// RunOnce performs a single reap and returns the number of removed sessions.
func (r *Reaper) RunOnce() int {
	n := r.store.Reap(r.maxAge)
	if n > 0 {
		log.Printf("session: reaped %d sessions older than %s", n, r.maxAge)
	}
	return n
}
