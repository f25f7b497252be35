package eventbus

import "testing"

type snapshot struct{ step uint64 }

func TestTypedBusPublishSubscribe(t *testing.T) {
	bus := NewTyped[*snapshot]()
	ch := bus.Subscribe()
	bus.Publish(&snapshot{step: 3})
	v := <-ch
	if v.step != 3 {
		t.Fatalf("expected step 3 got %d", v.step)
	}
	bus.Unsubscribe(ch)
}

func TestTypedBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewTypedBuffered[int](1)
	ch := bus.Subscribe()
	bus.Publish(1)
	bus.Publish(2)
	bus.Publish(3)
	if got := bus.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped got %d", got)
	}
	if v := <-ch; v != 1 {
		t.Fatalf("expected first event kept got %d", v)
	}
}

func TestTypedBusClose(t *testing.T) {
	bus := NewTyped[int]()
	ch1 := bus.Subscribe()
	ch2 := bus.Subscribe()
	bus.Close()
	if _, ok := <-ch1; ok {
		t.Fatalf("expected ch1 closed")
	}
	if _, ok := <-ch2; ok {
		t.Fatalf("expected ch2 closed")
	}
	if _, ok := <-bus.Subscribe(); ok {
		t.Fatalf("expected subscribe after close to return closed channel")
	}
}

func TestTypedBusUnsubscribeAfterClose(t *testing.T) {
	bus := NewTyped[float64]()
	ch := bus.Subscribe()
	bus.Close()
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("panic on Unsubscribe after Close: %v", r)
		}
	}()
	bus.Unsubscribe(ch)
}
