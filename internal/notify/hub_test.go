package notify

import "testing"

func TestHubFanOut(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe("p1")
	b, cancelB := h.Subscribe("p1")
	other, cancelOther := h.Subscribe("p2")
	defer cancelA()
	defer cancelB()
	defer cancelOther()

	h.Publish("p1", Message{Kind: "decision.requested", PlanID: "p1"})

	for name, ch := range map[string]<-chan Message{"a": a, "b": b} {
		select {
		case msg := <-ch:
			if msg.Kind != "decision.requested" {
				t.Fatalf("sub %s: unexpected message %+v", name, msg)
			}
		default:
			t.Fatalf("sub %s: no message delivered", name)
		}
	}
	select {
	case msg := <-other:
		t.Fatalf("p2 subscriber must not see p1 traffic: %+v", msg)
	default:
	}
}

func TestHubCancelStopsDelivery(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("p1")
	if h.SubscriberCount("p1") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()
	if h.SubscriberCount("p1") != 0 {
		t.Fatalf("cancel should deregister")
	}

	h.Publish("p1", Message{Kind: "decision.resolved", PlanID: "p1"})
	select {
	case msg := <-ch:
		t.Fatalf("cancelled subscriber received %+v", msg)
	default:
	}
}

func TestHubPublishNeverBlocks(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("p1")
	defer cancel()

	// Overflow the buffer; extra messages are dropped, not queued.
	for i := 0; i < 40; i++ {
		h.Publish("p1", Message{Kind: "decision.requested", PlanID: "p1"})
	}
	got := 0
	for {
		select {
		case <-ch:
			got++
			continue
		default:
		}
		break
	}
	if got != cap(ch) {
		t.Fatalf("expected a full buffer of %d, got %d", cap(ch), got)
	}
}
