package transcription

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voicecmd/pkg/provider/stt"
	"github.com/MrWong99/voicecmd/pkg/provider/stt/mock"
)

// countingFactory returns a factory that creates fresh mocks and counts them.
func countingFactory(n *atomic.Int32) Factory {
	return func() (stt.Transcriber, error) {
		n.Add(1)
		return &mock.Transcriber{}, nil
	}
}

func newTestPool(t *testing.T, opts ...PoolOption) (*Pool, *atomic.Int32) {
	t.Helper()
	var created atomic.Int32
	p, err := NewPool(countingFactory(&created), opts...)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, &created
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPool_DefaultSize(t *testing.T) {
	t.Parallel()

	p, created := newTestPool(t)
	if got := created.Load(); got != 5 {
		t.Errorf("created = %d, want 5", got)
	}
	if s := p.Stats(); s.Size != 5 || s.Available != 5 || s.Active != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPool_AcquireRelease(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, WithSize(2))
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if a == b {
		t.Fatal("same handle handed out twice")
	}
	if s := p.Stats(); s.Active != 2 || s.Available != 0 {
		t.Errorf("stats = %+v", s)
	}

	p.Release(a)
	p.Release(a) // double release is ignored
	p.Release(b)
	if s := p.Stats(); s.Active != 0 || s.Available != 2 || s.Acquires != 2 {
		t.Errorf("stats after release = %+v", s)
	}
}

func TestPool_ExhaustionFailsAfterBound(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, WithSize(1), WithAcquireTimeout(50*time.Millisecond))
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(c)

	start := time.Now()
	_, err = p.Acquire(ctx)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond || elapsed > time.Second {
		t.Errorf("gave up after %s", elapsed)
	}
	if s := p.Stats(); s.Exhaustions != 1 {
		t.Errorf("exhaustions = %d, want 1", s.Exhaustions)
	}
}

func TestPool_ExhaustionWaitsForRelease(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, WithSize(1), WithAcquireTimeout(2*time.Second))
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		p.Release(c)
	}()

	got, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if got != c {
		t.Error("expected the released handle")
	}
	p.Release(got)
}

func TestPool_AcquireHonoursContext(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, WithSize(1))
	c, _ := p.Acquire(context.Background())
	defer p.Release(c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestPool_UnhealthyReleaseIsReplaced(t *testing.T) {
	t.Parallel()

	p, created := newTestPool(t, WithSize(1))
	ctx := context.Background()

	c, _ := p.Acquire(ctx)
	p.MarkUnhealthy(c)
	p.Release(c)

	waitFor(t, time.Second, func() bool { return p.Stats().Available == 1 })
	if got := created.Load(); got != 2 {
		t.Errorf("created = %d, want 2", got)
	}
	next, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if next == c {
		t.Error("retired handle handed out again")
	}
	p.Release(next)
	if s := p.Stats(); s.Replacements != 1 {
		t.Errorf("replacements = %d, want 1", s.Replacements)
	}
}

func TestPool_HealthCheckRetiresAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	sick := &mock.Transcriber{PingErr: errors.New("connection refused")}
	first := true
	factory := func() (stt.Transcriber, error) {
		if first {
			first = false
			return sick, nil
		}
		return &mock.Transcriber{}, nil
	}
	p, err := NewPool(factory, WithSize(1), WithHealthInterval(time.Hour), WithMaxPingFailures(3))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	p.checkHealth()
	p.checkHealth()
	if s := p.Stats(); s.Available != 1 || s.Replacing != 0 {
		t.Fatalf("retired too early: %+v", s)
	}
	p.checkHealth()

	waitFor(t, time.Second, func() bool {
		s := p.Stats()
		return s.Replacements == 1 && s.Available == 1
	})
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if c.Transcriber() == stt.Transcriber(sick) {
		t.Error("sick handle still in pool")
	}
	p.Release(c)
}

func TestPool_HealthCheckResetsOnSuccess(t *testing.T) {
	t.Parallel()

	m := &mock.Transcriber{PingErr: errors.New("flaky")}
	p, err := NewPool(func() (stt.Transcriber, error) { return m, nil },
		WithSize(1), WithHealthInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer p.Close()

	p.checkHealth()
	p.checkHealth()
	m.SetPingErr(nil)
	p.checkHealth()
	m.SetPingErr(errors.New("flaky"))
	p.checkHealth()

	if s := p.Stats(); s.Replacing != 0 || s.Replacements != 0 || s.Available != 1 {
		t.Errorf("handle replaced despite recovery: %+v", s)
	}
}

func TestPool_CloseWakesWaiters(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, WithSize(1), WithAcquireTimeout(5*time.Second))
	c, _ := p.Acquire(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = p.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("err = %v, want ErrPoolClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
	p.Release(c)
	if err := p.Ping(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Ping after Close = %v", err)
	}
}

func TestNewPool_FactoryError(t *testing.T) {
	t.Parallel()

	_, err := NewPool(func() (stt.Transcriber, error) { return nil, errors.New("bad credentials") })
	if err == nil {
		t.Fatal("expected error")
	}
	if _, err := NewPool(nil); err == nil {
		t.Fatal("expected error for nil factory")
	}
}
