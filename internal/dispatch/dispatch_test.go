package dispatch

import (
	"context"
	"errors"
	"testing"

	"hedgeproxy/internal/upstream"
)

func TestRace_AllUpstreamsDown(t *testing.T) {
	ups := []*upstream.Upstream{
		{Tag: "a", Protocol: upstream.Protocol(99)},
		{Tag: "b", Protocol: upstream.Protocol(99)},
	}
	list := upstream.NewList(ups)
	_, err := Race(context.Background(), list, upstream.Destination{Host: "example.com", Port: 443}, nil, Policy{MaxParallel: 2, WaitResponse: true})
	var down *AllDownError
	if !errors.As(err, &down) {
		t.Fatalf("expected *AllDownError, got %v (%T)", err, err)
	}
	if len(down.Attempts) != 2 {
		t.Fatalf("Attempts = %d, want 2", len(down.Attempts))
	}
}

func TestRace_EmptyList(t *testing.T) {
	list := upstream.NewList(nil)
	_, err := Race(context.Background(), list, upstream.Destination{}, nil, Policy{MaxParallel: 1})
	var down *AllDownError
	if !errors.As(err, &down) {
		t.Fatalf("expected *AllDownError for empty list, got %v", err)
	}
}

func TestPolicy_EffectiveParallelCollapsesWithoutWaitResponse(t *testing.T) {
	p := Policy{MaxParallel: 4, WaitResponse: false}
	if got := p.effectiveParallel(); got != 1 {
		t.Errorf("effectiveParallel() = %d, want 1 when WaitResponse is false", got)
	}
}

func TestPolicy_EffectiveParallelHonorsMax(t *testing.T) {
	p := Policy{MaxParallel: 3, WaitResponse: true}
	if got := p.effectiveParallel(); got != 3 {
		t.Errorf("effectiveParallel() = %d, want 3", got)
	}
}

func TestPolicy_ZeroMaxParallelDefaultsToOne(t *testing.T) {
	p := Policy{WaitResponse: true}
	if got := p.effectiveParallel(); got != 1 {
		t.Errorf("effectiveParallel() = %d, want 1", got)
	}
}
