package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"mnemo/internal/config"
)

func remoteConfig(addr string, maxRequests int, failMode string) config.RateLimiterConfig {
	return config.RateLimiterConfig{
		Mode:        "remote",
		FailMode:    failMode,
		MaxRequests: maxRequests,
		WindowMS:    60000,
		MaxKeys:     100,
		RedisAddr:   addr,
	}
}

func newTestRemote(t *testing.T, addr string, maxRequests int, failMode string) *Remote {
	t.Helper()
	r := NewRemote(remoteConfig(addr, maxRequests, failMode))
	t.Cleanup(func() { r.Close() })
	return r
}

// deadRedisAddr returns an address nothing listens on.
func deadRedisAddr(t *testing.T) string {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	addr := mr.Addr()
	mr.Close()
	return addr
}

func TestRemoteFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newTestRemote(t, mr.Addr(), 3, "closed")
	r.nowMS = func() int64 { return 1000000 }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := r.Check(ctx, "k")
		if err != nil || !res.Allowed {
			t.Fatalf("check %d: res=%+v err=%v", i, res, err)
		}
	}

	res, err := r.Check(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("4th check allowed past cap")
	}
	if res.RetryAfterMS <= 0 {
		t.Fatalf("denial without retry hint: %+v", res)
	}
}

func TestRemoteWindowRollover(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newTestRemote(t, mr.Addr(), 1, "closed")
	now := int64(120000)
	r.nowMS = func() int64 { return now }
	ctx := context.Background()

	if res, _ := r.Check(ctx, "k"); !res.Allowed {
		t.Fatal("first check denied")
	}
	if res, _ := r.Check(ctx, "k"); res.Allowed {
		t.Fatal("over budget within window")
	}

	now += 60000
	if res, _ := r.Check(ctx, "k"); !res.Allowed {
		t.Fatal("fresh window denied")
	}
}

func TestRemoteSharedBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestRemote(t, mr.Addr(), 2, "closed")
	b := newTestRemote(t, mr.Addr(), 2, "closed")
	fixed := func() int64 { return 60000 }
	a.nowMS, b.nowMS = fixed, fixed
	ctx := context.Background()

	a.Check(ctx, "k")
	b.Check(ctx, "k")
	if res, _ := a.Check(ctx, "k"); res.Allowed {
		t.Fatal("budget not shared across instances")
	}
}

func TestRemoteStatsAndReset(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newTestRemote(t, mr.Addr(), 3, "closed")
	r.nowMS = func() int64 { return 60000 }
	ctx := context.Background()

	r.Check(ctx, "k")
	r.Check(ctx, "k")
	st := r.Stats("k")
	if st.Count != 2 || st.Remaining != 1 {
		t.Fatalf("stats = %+v, want count 2 remaining 1", st)
	}

	r.Reset("k")
	if st := r.Stats("k"); st.Count != 0 {
		t.Fatalf("count after reset = %d", st.Count)
	}
	if res, _ := r.Check(ctx, "k"); !res.Allowed {
		t.Fatal("post-reset check denied")
	}
}

func TestRemoteFailClosed(t *testing.T) {
	r := newTestRemote(t, deadRedisAddr(t), 5, "closed")

	res, err := r.Check(context.Background(), "k")
	if err != nil {
		t.Fatalf("fail-closed surfaced an error: %v", err)
	}
	if res.Allowed {
		t.Fatal("fail-closed admitted a request")
	}
	if res.RetryAfterMS != 60000 {
		t.Fatalf("retryAfterMs = %d, want 60000", res.RetryAfterMS)
	}
}

func TestRemoteFailOpen(t *testing.T) {
	r := newTestRemote(t, deadRedisAddr(t), 5, "open")

	res, err := r.Check(context.Background(), "k")
	if err != nil || !res.Allowed {
		t.Fatalf("fail-open denied: res=%+v err=%v", res, err)
	}
}

func TestRemoteFailLocalFallback(t *testing.T) {
	r := newTestRemote(t, deadRedisAddr(t), 2, "local")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res, _ := r.Check(ctx, "k"); !res.Allowed {
			t.Fatalf("fallback denied check %d", i)
		}
	}
	if res, _ := r.Check(ctx, "k"); res.Allowed {
		t.Fatal("fallback ignored the budget")
	}
}

func TestNewSelectsMode(t *testing.T) {
	if _, ok := New(config.RateLimiterConfig{Mode: "local"}).(*Local); !ok {
		t.Fatal("local mode did not build a Local limiter")
	}
	r, ok := New(config.RateLimiterConfig{Mode: "remote", RedisAddr: "localhost:1"}).(*Remote)
	if !ok {
		t.Fatal("remote mode did not build a Remote limiter")
	}
	r.Close()
}
