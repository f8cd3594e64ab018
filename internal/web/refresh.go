package web

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "hrslots/internal/log"
)

// Hook runs after every successful scheduled refresh, e.g. a board
// snapshot.
type Hook func(ctx context.Context) error

// Refresher reloads the server's calendars on a cron schedule.
type Refresher struct {
	server *Server
	cron   *cron.Cron
	hooks  []Hook
	ctx    context.Context
}

// NewRefresher validates schedule (standard five-field cron) and prepares the
// schedule in loc. Overlapping runs are skipped.
func NewRefresher(s *Server, schedule string, loc *time.Location, hooks ...Hook) (*Refresher, error) {
	if loc == nil {
		loc = time.Local
	}
	logger := cronLogger{}
	r := &Refresher{
		server: s,
		hooks:  hooks,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx: context.Background(),
	}
	if _, err := r.cron.AddFunc(schedule, func() { r.RunOnce(r.ctx) }); err != nil {
		return nil, fmt.Errorf("web: refresh schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start runs one refresh right away, then follows the schedule until ctx is
// cancelled or Stop is called.
func (r *Refresher) Start(ctx context.Context) {
	r.ctx = ctx
	go func() {
		r.RunOnce(ctx)
		r.cron.Start()
		<-ctx.Done()
		r.Stop()
	}()
}

// Stop stops the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
}

// RunOnce refreshes the calendars and then runs the hooks.
func (r *Refresher) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := r.server.Refresh(ctx); err != nil {
		return
	}
	for _, h := range r.hooks {
		if err := h(ctx); err != nil {
			appLog.Error("refresh hook failed", err)
		}
	}
}

// cronLogger routes cron's own messages to the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
