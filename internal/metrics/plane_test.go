package metrics

import (
	"testing"
)

func TestPlaneBroadcastsInEmissionOrder(t *testing.T) {
	p := NewPlane(nil)
	_, ch := p.Subscribe(8)

	p.Publish(Event{Kind: "task_enqueued", ItemID: "a"})
	p.Publish(Event{Kind: "task_dequeued", ItemID: "a"})

	first := <-ch
	second := <-ch
	if first.ItemID != "a" || first.Kind != "task_enqueued" {
		t.Fatalf("expected first event task_enqueued, got %+v", first)
	}
	if second.Kind != "task_dequeued" {
		t.Fatalf("expected second event task_dequeued, got %+v", second)
	}
}

func TestPlaneDropsSlowSubscriberWithoutBlocking(t *testing.T) {
	p := NewPlane(nil)
	_, slow := p.Subscribe(1)
	_, fast := p.Subscribe(8)

	p.Publish(Event{Kind: "e1"})
	p.Publish(Event{Kind: "e2"}) // slow's buffer (size 1) is already full; this should not block

	// fast received both events plus an overflow warning for the drop.
	count := 0
	overflowSeen := false
	for i := 0; i < 3; i++ {
		select {
		case ev := <-fast:
			count++
			if ev.Kind == EventSubscriberOverflow {
				overflowSeen = true
			}
		default:
		}
	}
	if count < 2 {
		t.Fatalf("expected fast subscriber to receive at least 2 deliveries, got %d", count)
	}
	if !overflowSeen {
		t.Fatalf("expected an overflow warning event on the fast subscriber")
	}

	// slow still only has its first buffered event.
	first := <-slow
	if first.Kind != "e1" {
		t.Fatalf("expected slow subscriber's buffered event to be e1, got %+v", first)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewPlane(nil)
	id, ch := p.Subscribe(1)
	p.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
}
