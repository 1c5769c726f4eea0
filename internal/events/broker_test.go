package events_test

import (
	"testing"
	"time"

	"github.com/seantiz/stellarsim/internal/events"
	"github.com/seantiz/stellarsim/internal/model"
)

func ev(id string) model.Event {
	return model.Event{Table: model.TableJobs, Action: model.ActionUpdate, ID: id, At: time.Now()}
}

func TestBrokerSingleSubscriber(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe()
	defer unsub()

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		b.Publish(ev(id))
	}
	b.Close()

	var got []string
	for e := range ch {
		got = append(got, e.ID)
	}

	if len(got) != len(ids) {
		t.Fatalf("got %d events, want %d", len(got), len(ids))
	}
	for i, id := range got {
		if id != ids[i] {
			t.Errorf("event[%d] = %q, want %q", i, id, ids[i])
		}
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := events.NewBroker()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Publish(ev("x"))
	b.Close()

	for i, ch := range []<-chan model.Event{ch1, ch2} {
		var n int
		for range ch {
			n++
		}
		if n != 1 {
			t.Errorf("subscriber %d got %d events, want 1", i, n)
		}
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe()
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}

	// Publishing with no subscribers must not panic.
	b.Publish(ev("y"))
}

func TestBrokerSubscribeAfterClose(t *testing.T) {
	b := events.NewBroker()
	b.Close()
	b.Close()

	ch, unsub := b.Subscribe()
	defer unsub()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscribe after close blocked")
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(ev("z"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if n := len(ch); n != 64 {
		t.Errorf("buffered = %d, want 64", n)
	}
}
