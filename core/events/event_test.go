package events

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"recurswap/core/types"
)

type testEvent struct{ evt *types.Event }

func (e testEvent) EventType() string   { return e.evt.Type }
func (e testEvent) Event() *types.Event { return e.evt }

func TestRecorderCollectsPayloads(t *testing.T) {
	rec := &Recorder{}
	var seen []string
	emitter := Multi{rec, nil, EmitterFunc(func(evt Event) { seen = append(seen, evt.EventType()) })}

	emitter.Emit(testEvent{evt: &types.Event{Type: "dca.plan.created", Attributes: map[string]string{"planId": "1"}}})
	emitter.Emit(testEvent{evt: &types.Event{Type: "dca.plan.paused", Attributes: map[string]string{"planId": "1"}}})

	if got := rec.Types(); len(got) != 2 || got[0] != "dca.plan.created" || got[1] != "dca.plan.paused" {
		t.Fatalf("unexpected recorded types: %v", got)
	}
	if len(seen) != 2 {
		t.Fatalf("expected func emitter to observe 2 events, got %d", len(seen))
	}
	payloads := rec.Payloads("dca.plan.paused")
	if len(payloads) != 1 || payloads[0].Attribute("planId") != "1" {
		t.Fatalf("unexpected payloads: %+v", payloads)
	}
	payloads[0].Attributes["planId"] = "mutated"
	if rec.Payloads("dca.plan.paused")[0].Attribute("planId") != "1" {
		t.Fatalf("payloads must be copies")
	}
	rec.Reset()
	if len(rec.Events()) != 0 {
		t.Fatalf("expected reset recorder to be empty")
	}
}

func TestLogEmitterWritesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	LogEmitter{Logger: logger}.Emit(testEvent{evt: &types.Event{
		Type:       "dca.plan.armed",
		Attributes: map[string]string{"planId": "4", "fee": "10"},
	}})
	out := buf.String()
	for _, want := range []string{`"event":"dca.plan.armed"`, `"planId":"4"`, `"fee":"10"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}
