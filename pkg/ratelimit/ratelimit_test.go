package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucket_DrainsToZero(t *testing.T) {
	tb := NewTokenBucket(5, 0, time.Second)

	for i := 0; i < 5; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d should pass, bucket started with 5 tokens", i)
		}
	}
	if tb.Allow() {
		t.Fatalf("6th request should be rejected")
	}
	if got := tb.GetRemaining(); got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}
}

func TestTokenBucket_Refills(t *testing.T) {
	tb := NewTokenBucket(2, 100, time.Second)
	tb.Allow()
	tb.Allow()
	if tb.Allow() {
		t.Fatalf("bucket should be empty right after draining")
	}

	// 100/s 的补充速率，等 1.1 秒必然回满到容量上限
	time.Sleep(1100 * time.Millisecond)
	if got := tb.GetRemaining(); got != 2 {
		t.Fatalf("remaining after refill = %d, want capacity 2", got)
	}
}

func TestTokenBucket_WaitHonorsContext(t *testing.T) {
	tb := NewTokenBucket(1, 0, time.Hour)
	tb.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tb.Wait(ctx)
	if err == nil {
		t.Fatalf("Wait should fail once the context times out")
	}
}

func TestSlidingWindow_LimitAndReset(t *testing.T) {
	sw := NewSlidingWindow(3, 200*time.Millisecond)

	for i := 0; i < 3; i++ {
		if !sw.Allow() {
			t.Fatalf("request %d should pass", i)
		}
	}
	if sw.Allow() {
		t.Fatalf("4th request inside the window should be rejected")
	}
	if got := sw.GetRemaining(); got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}

	// 窗口滑过之后名额应该全部释放
	time.Sleep(250 * time.Millisecond)
	if got := sw.GetRemaining(); got != 3 {
		t.Fatalf("remaining after window slide = %d, want 3", got)
	}
	if !sw.Allow() {
		t.Fatalf("request after window slide should pass")
	}
}

func TestSlidingWindow_WaitUnblocksAfterSlide(t *testing.T) {
	sw := NewSlidingWindow(1, 150*time.Millisecond)
	if !sw.Allow() {
		t.Fatalf("first request should pass")
	}

	start := time.Now()
	if err := sw.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("Wait returned after %v, should have blocked for roughly the window", elapsed)
	}
}

func TestManager_KnownEndpoints(t *testing.T) {
	m := NewManager()

	cases := []struct {
		endpoint string
		want     int
	}{
		{EndpointOrderPost, 600},
		{EndpointOrderCancel, 300},
		{EndpointRelayer, 25},
	}
	for _, c := range cases {
		if got := m.GetRemaining(c.endpoint); got != c.want {
			t.Errorf("%s fresh remaining = %d, want %d", c.endpoint, got, c.want)
		}
	}
}

func TestManager_RelayerIsStrict(t *testing.T) {
	m := NewManager()

	for i := 0; i < 25; i++ {
		if !m.Allow(EndpointRelayer) {
			t.Fatalf("relayer call %d should pass, limit is 25/min", i)
		}
	}
	if m.Allow(EndpointRelayer) {
		t.Fatalf("26th relayer call within a minute should be rejected")
	}
}

func TestManager_UnknownEndpointGetsFallback(t *testing.T) {
	m := NewManager()

	if !m.Allow("some:unregistered:endpoint") {
		t.Fatalf("fallback limiter should admit the first request")
	}
	// 同一个端点第二次取到的必须是同一个限制器实例
	first := m.GetLimiter("some:unregistered:endpoint")
	second := m.GetLimiter("some:unregistered:endpoint")
	if first != second {
		t.Fatalf("fallback limiter should be cached per endpoint")
	}
}
