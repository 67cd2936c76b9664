package bus

import "testing"

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()

	var got []string
	b.Subscribe("topic", func(payload any) {
		got = append(got, "first:"+payload.(string))
	})
	b.Subscribe("topic", func(payload any) {
		got = append(got, "second:"+payload.(string))
	})

	b.Publish("topic", "hello")

	if len(got) != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", len(got))
	}
	if got[0] != "first:hello" || got[1] != "second:hello" {
		t.Errorf("Unexpected delivery order: %v", got)
	}
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	b := New()

	delivered := false
	b.Subscribe("topic", func(any) {
		panic("widget blew up")
	})
	b.Subscribe("topic", func(any) {
		delivered = true
	})

	b.Publish("topic", nil)

	if !delivered {
		t.Error("Expected second handler to run after first panicked")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	count := 0
	unsubscribe := b.Subscribe("topic", func(any) { count++ })

	b.Publish("topic", nil)
	unsubscribe()
	b.Publish("topic", nil)

	if count != 1 {
		t.Errorf("Expected 1 delivery after unsubscribe, got %d", count)
	}
}

func TestPublishToTopicWithoutSubscribers(t *testing.T) {
	b := New()
	// Must not panic or block.
	b.Publish("nobody-home", "payload")
}

func TestHireTopicIsPairScoped(t *testing.T) {
	b := New()

	pairHits := 0
	otherHits := 0
	b.Subscribe(Hire("u1", "t1"), func(any) { pairHits++ })
	b.Subscribe(Hire("u1", "t2"), func(any) { otherHits++ })

	b.Publish(Hire("u1", "t1"), nil)

	if pairHits != 1 {
		t.Errorf("Expected 1 delivery for the pair, got %d", pairHits)
	}
	if otherHits != 0 {
		t.Errorf("Expected no delivery for a different pair, got %d", otherHits)
	}
}
