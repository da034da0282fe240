package monitor

import (
	"context"
	"net"
	"testing"
	"time"

	"hedgeproxy/internal/upstream"
)

func listenClosed(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestProbeOne_SuccessSetsScoreAndHealthy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	u := &upstream.Upstream{Tag: "u", ProbeAddr: ln.Addr().String()}
	p := New(upstream.NewList([]*upstream.Upstream{u}), Options{Timeout: time.Second}, nil)

	p.probeOne(context.Background(), u)

	if !u.Probed() {
		t.Fatal("expected Probed() true after a successful probe")
	}
	if u.Score() < 0 {
		t.Errorf("Score() = %d, want >= 0", u.Score())
	}
	if !u.Snapshot().Healthy {
		t.Error("expected Healthy after a single success")
	}
}

func TestProbeOne_FailureIncrementsConsecutiveFails(t *testing.T) {
	deadAddr := listenClosed(t)
	u := &upstream.Upstream{Tag: "u", ProbeAddr: deadAddr}
	p := New(upstream.NewList([]*upstream.Upstream{u}), Options{Timeout: 200 * time.Millisecond}, nil)

	p.probeOne(context.Background(), u)
	p.probeOne(context.Background(), u)
	p.probeOne(context.Background(), u)

	if got := u.ConsecutiveProbeFailures(); got != 3 {
		t.Errorf("ConsecutiveProbeFailures() = %d, want 3", got)
	}
	if u.Snapshot().Healthy {
		t.Error("expected Healthy=false after 3 consecutive failures")
	}
}

func TestReorder_UnprobedAfterHealthyBeforeUnhealthy(t *testing.T) {
	healthy := &upstream.Upstream{Tag: "healthy"}
	healthy.SetScore(10)
	healthy.RecordProbe(true)

	unprobed := &upstream.Upstream{Tag: "unprobed"}

	unhealthy := &upstream.Upstream{Tag: "unhealthy"}
	unhealthy.RecordProbe(false)
	unhealthy.RecordProbe(false)
	unhealthy.RecordProbe(false)

	list := upstream.NewList([]*upstream.Upstream{unhealthy, unprobed, healthy})
	p := New(list, Options{}, nil)

	p.reorder(list.Snapshot())

	got := list.Snapshot()
	if len(got) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(got))
	}
	if got[0].Tag != "healthy" || got[1].Tag != "unprobed" || got[2].Tag != "unhealthy" {
		var tags []string
		for _, u := range got {
			tags = append(tags, u.Tag)
		}
		t.Fatalf("order = %v, want [healthy unprobed unhealthy]", tags)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	u := &upstream.Upstream{Tag: "u", ProbeAddr: listenClosed(t)}
	p := New(upstream.NewList([]*upstream.Upstream{u}), Options{Interval: 10 * time.Millisecond, Timeout: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
