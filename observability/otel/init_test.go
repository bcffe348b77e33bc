package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" authorization=Bearer abc , =skip,broken, x-tenant = dca ")
	if len(got) != 2 {
		t.Fatalf("unexpected headers: %v", got)
	}
	if got["authorization"] != "Bearer abc" || got["x-tenant"] != "dca" {
		t.Fatalf("unexpected headers: %v", got)
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "dcad"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRejectsBadInput(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing service name to fail")
	}
	if _, err := Init(context.Background(), Config{ServiceName: "dcad", Traces: true, SampleRatio: 2}); err == nil {
		t.Fatalf("expected out of range sample ratio to fail")
	}
}
