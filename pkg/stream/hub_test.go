package stream

import (
	"encoding/json"
	"testing"
)

func TestPublishFansOut(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(4)
	b := h.Subscribe(4)
	defer h.Unsubscribe(a)
	defer h.Unsubscribe(b)

	h.Publish(NewEvent(EventDecision, map[string]string{"request_id": "req-1"}))

	for _, sub := range []chan Event{a, b} {
		select {
		case evt := <-sub:
			if evt.Type != EventDecision {
				t.Fatalf("unexpected event: %+v", evt)
			}
			var data map[string]string
			if err := json.Unmarshal(evt.Data, &data); err != nil || data["request_id"] != "req-1" {
				t.Fatalf("unexpected payload: %s", evt.Data)
			}
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	h := NewHub()
	slow := h.Subscribe(1)
	defer h.Unsubscribe(slow)

	h.Publish(NewEvent(EventDecision, nil))
	h.Publish(NewEvent(EventIncident, nil))

	if len(slow) != 1 {
		t.Fatalf("full buffer must drop, queued %d", len(slow))
	}
	evt := <-slow
	if evt.Type != EventDecision {
		t.Fatalf("oldest event must survive, got %+v", evt)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1)
	h.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("unsubscribed channel must be closed")
	}
	// Double unsubscribe must not panic.
	h.Unsubscribe(sub)
	h.Publish(NewEvent(EventDecision, nil))
}

func TestNewEventTimestamped(t *testing.T) {
	evt := NewEvent("ready", nil)
	if evt.Type != "ready" || evt.At == "" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.Data != nil {
		t.Fatalf("nil payload must stay nil, got %s", evt.Data)
	}
}
