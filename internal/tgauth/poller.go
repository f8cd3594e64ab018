package tgauth

import (
	"context"
	"strings"
	"sync"
	"time"

	appLog "hrslots/internal/log"
)

// DefaultPollInterval matches the login page: first check right away, then
// every two seconds.
const DefaultPollInterval = 2 * time.Second

// DefaultFatalMarkers are substrings of an "error" status that mean the
// session is gone for good and polling should stop.
var DefaultFatalMarkers = []string{"не найден", "не подключен"}

// Checker is the part of Client the poller needs.
type Checker interface {
	CheckAuth(ctx context.Context) (CheckResult, error)
}

// Result is one poll tick.
type Result struct {
	Check    CheckResult
	Err      error // network or decode failure; always transient
	Terminal bool
	At       time.Time
}

// IsTerminal reports whether a check result ends polling: success, 2FA
// prompt, or an error whose message contains one of fatalMarkers.
func IsTerminal(res CheckResult, fatalMarkers []string) bool {
	switch res.Status {
	case StatusSuccess, StatusTwoFactor:
		return true
	case StatusError:
		msg := strings.ToLower(res.Error)
		for _, m := range fatalMarkers {
			if m != "" && strings.Contains(msg, strings.ToLower(m)) {
				return true
			}
		}
		return false
	default:
		// waiting, timeout and anything unknown keep polling.
		return false
	}
}

type PollerOption func(*Poller)

func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithFatalMarkers(markers []string) PollerOption {
	return func(p *Poller) {
		if markers != nil {
			p.fatalMarkers = markers
		}
	}
}

// Poller owns a single repeating check-auth timer. Starting it again
// replaces the previous run; Stop is idempotent.
type Poller struct {
	checker      Checker
	interval     time.Duration
	fatalMarkers []string
	now          func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	last    Result
	hasLast bool
}

func NewPoller(c Checker, opts ...PollerOption) *Poller {
	done := make(chan struct{})
	close(done)
	p := &Poller{
		checker:      c,
		interval:     DefaultPollInterval,
		fatalMarkers: DefaultFatalMarkers,
		now:          time.Now,
		done:         done,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling: one check immediately, then one per interval until
// a terminal result, Stop, or ctx cancellation. onResult, if non-nil, runs on
// the polling goroutine after every tick.
func (p *Poller) Start(ctx context.Context, onResult func(Result)) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.hasLast = false
	p.mu.Unlock()

	appLog.Debug("auth poll started", "interval", p.interval.String())
	go p.run(runCtx, cancel, done, onResult)
}

// Stop cancels the current run, if any.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// Done is closed when the current run ends.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Running reports whether a run is in progress.
func (p *Poller) Running() bool {
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}

// Last returns the most recent tick of the current run.
func (p *Poller) Last() (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasLast
}

// Wait blocks until the current run ends or ctx is done, and returns the
// last tick seen.
func (p *Poller) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.Done():
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	res, _ := p.Last()
	return res, nil
}

func (p *Poller) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, onResult func(Result)) {
	defer close(done)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if p.tick(ctx, done, onResult) {
			return
		}
		select {
		case <-ctx.Done():
			appLog.Debug("auth poll stopped")
			return
		case <-ticker.C:
		}
	}
}

// tick runs one check and reports whether polling should stop.
func (p *Poller) tick(ctx context.Context, done chan struct{}, onResult func(Result)) bool {
	check, err := p.checker.CheckAuth(ctx)
	if ctx.Err() != nil {
		return true
	}

	res := Result{Check: check, Err: err, At: p.now()}
	if err != nil {
		appLog.Error("auth status check failed", err)
	} else {
		res.Terminal = IsTerminal(check, p.fatalMarkers)
	}

	// A run replaced by a newer Start must not overwrite its successor's state.
	p.mu.Lock()
	if p.done == done {
		p.last = res
		p.hasLast = true
	}
	p.mu.Unlock()

	if res.Terminal {
		appLog.Info("auth poll finished", "status", string(check.Status))
	}
	if onResult != nil {
		onResult(res)
	}
	return res.Terminal
}
