package events

import "testing"

func TestBusPublish(t *testing.T) {
	bus := NewBus[int]()

	var got []int
	bus.Subscribe(func(v int) { got = append(got, v) })
	bus.Subscribe(func(v int) { got = append(got, v*10) })

	bus.Publish(2)

	if len(got) != 2 || got[0] != 2 || got[1] != 20 {
		t.Errorf("got = %v, want [2 20]", got)
	}
}

func TestSubscriptionUnsubscribe(t *testing.T) {
	bus := NewBus[string]()

	calls := 0
	sub := bus.Subscribe(func(string) { calls++ })

	t.Run("detaches handler", func(t *testing.T) {
		sub.Unsubscribe()
		bus.Publish("x")
		if calls != 0 {
			t.Errorf("calls = %d, want 0", calls)
		}
		if bus.Len() != 0 {
			t.Errorf("Len() = %d, want 0", bus.Len())
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		sub.Unsubscribe()
		var nilSub *Subscription
		nilSub.Unsubscribe()
	})
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus[int]()

	var sub *Subscription
	calls := 0
	sub = bus.Subscribe(func(int) {
		calls++
		sub.Unsubscribe()
	})

	bus.Publish(1)
	bus.Publish(2)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
