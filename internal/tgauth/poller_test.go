package tgauth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedChecker replays results in order and then repeats the last one.
type scriptedChecker struct {
	mu     sync.Mutex
	script []scripted
	calls  atomic.Int32
}

type scripted struct {
	res CheckResult
	err error
}

func (s *scriptedChecker) CheckAuth(_ context.Context) (CheckResult, error) {
	n := int(s.calls.Add(1)) - 1
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= len(s.script) {
		n = len(s.script) - 1
	}
	return s.script[n].res, s.script[n].err
}

func waitDone(t *testing.T, p *Poller) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		res  CheckResult
		want bool
	}{
		{CheckResult{Status: StatusSuccess}, true},
		{CheckResult{Status: StatusTwoFactor}, true},
		{CheckResult{Status: StatusWaiting}, false},
		{CheckResult{Status: StatusTimeout}, false},
		{CheckResult{Status: StatusError, Error: "Клиент НЕ ПОДКЛЮЧЕН"}, true},
		{CheckResult{Status: StatusError, Error: "Сессия истекла"}, false},
		{CheckResult{Status: StatusError, Error: "Пользователь не найден"}, true},
		{CheckResult{Status: StatusError, Error: "flood wait"}, false},
		{CheckResult{Status: "weird"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTerminal(tt.res, DefaultFatalMarkers), "%+v", tt.res)
	}
}

func TestPollerStopsOnSuccess(t *testing.T) {
	t.Parallel()

	checker := &scriptedChecker{script: []scripted{
		{res: CheckResult{Status: StatusWaiting}},
		{err: errors.New("connection refused")},
		{res: CheckResult{Status: StatusTimeout}},
		{res: CheckResult{Status: StatusSuccess, User: &User{FirstName: "Anna"}}},
	}}

	var mu sync.Mutex
	var seen []Result
	p := NewPoller(checker, WithInterval(5*time.Millisecond))
	p.Start(context.Background(), func(r Result) {
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
	})

	last := waitDone(t, p)
	assert.True(t, last.Terminal)
	assert.Equal(t, StatusSuccess, last.Check.Status)
	assert.Equal(t, int32(4), checker.calls.Load())
	assert.False(t, p.Running())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 4)
	assert.Error(t, seen[1].Err)
	assert.False(t, seen[1].Terminal)
}

func TestPollerStopsOnTwoFactor(t *testing.T) {
	t.Parallel()

	checker := &scriptedChecker{script: []scripted{{res: CheckResult{Status: StatusTwoFactor}}}}
	p := NewPoller(checker, WithInterval(time.Hour))
	p.Start(context.Background(), nil)

	// The first check runs immediately, long before the first tick.
	last := waitDone(t, p)
	assert.Equal(t, StatusTwoFactor, last.Check.Status)
	assert.Equal(t, int32(1), checker.calls.Load())
}

func TestPollerFatalMarkers(t *testing.T) {
	t.Parallel()

	checker := &scriptedChecker{script: []scripted{
		{res: CheckResult{Status: StatusError, Error: "rate limited"}},
		{res: CheckResult{Status: StatusError, Error: "session revoked"}},
	}}
	p := NewPoller(checker, WithInterval(5*time.Millisecond), WithFatalMarkers([]string{"revoked"}))
	p.Start(context.Background(), nil)

	last := waitDone(t, p)
	assert.True(t, last.Terminal)
	assert.Equal(t, "session revoked", last.Check.Error)
}

func TestPollerStopIsIdempotent(t *testing.T) {
	t.Parallel()

	checker := &scriptedChecker{script: []scripted{{res: CheckResult{Status: StatusWaiting}}}}
	p := NewPoller(checker, WithInterval(5*time.Millisecond))
	assert.False(t, p.Running())

	p.Start(context.Background(), nil)
	assert.Eventually(t, func() bool { return checker.calls.Load() >= 3 }, 2*time.Second, time.Millisecond)

	p.Stop()
	p.Stop()
	waitDone(t, p)
	assert.False(t, p.Running())

	calls := checker.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, checker.calls.Load(), "no checks after Stop")
}

func TestPollerRestartReplacesRun(t *testing.T) {
	t.Parallel()

	checker := &scriptedChecker{script: []scripted{{res: CheckResult{Status: StatusWaiting}}}}
	p := NewPoller(checker, WithInterval(5*time.Millisecond))

	p.Start(context.Background(), nil)
	first := p.Done()
	p.Start(context.Background(), nil)

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first run was not stopped by restart")
	}
	assert.True(t, p.Running())
	p.Stop()
	waitDone(t, p)
}

func TestPollerContextCancel(t *testing.T) {
	t.Parallel()

	checker := &scriptedChecker{script: []scripted{{res: CheckResult{Status: StatusWaiting}}}}
	p := NewPoller(checker, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx, nil)
	cancel()

	waitDone(t, p)
	assert.False(t, p.Running())
}

func TestPollerWaitHonorsContext(t *testing.T) {
	t.Parallel()

	checker := &scriptedChecker{script: []scripted{{res: CheckResult{Status: StatusWaiting}}}}
	p := NewPoller(checker, WithInterval(time.Hour))
	p.Start(context.Background(), nil)
	t.Cleanup(p.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
