package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

type tickEvent struct {
	Seq int
}

func TestBus_PublishReachesSubscriber(t *testing.T) {
	bus := New[tickEvent]()
	defer bus.Close()

	ch, cancel := bus.Subscribe(context.Background())
	defer cancel()

	if delivered := bus.Publish(tickEvent{Seq: 7}); delivered != 1 {
		t.Fatalf("Publish delivered %d, want 1", delivered)
	}

	select {
	case ev := <-ch:
		if ev.Seq != 7 {
			t.Errorf("received Seq = %d, want 7", ev.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := New[tickEvent]()
	defer bus.Close()

	const n = 4
	chans := make([]<-chan tickEvent, 0, n)
	for i := 0; i < n; i++ {
		ch, cancel := bus.Subscribe(context.Background())
		defer cancel()
		chans = append(chans, ch)
	}

	if delivered := bus.Publish(tickEvent{Seq: 1}); delivered != n {
		t.Fatalf("Publish delivered %d, want %d", delivered, n)
	}

	for i, ch := range chans {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive event", i)
		}
	}
}

func TestBus_EvictsOldestWhenFull(t *testing.T) {
	bus := NewSized[tickEvent](2)
	defer bus.Close()

	ch, cancel := bus.Subscribe(context.Background())
	defer cancel()

	for i := 1; i <= 5; i++ {
		bus.Publish(tickEvent{Seq: i})
	}

	// Buffer holds the two newest events.
	first := <-ch
	second := <-ch
	if first.Seq != 4 || second.Seq != 5 {
		t.Errorf("buffered events = %d,%d want 4,5", first.Seq, second.Seq)
	}

	if stats := bus.Stats(); stats.Evicted != 3 {
		t.Errorf("Stats().Evicted = %d, want 3", stats.Evicted)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := New[tickEvent]()
	defer bus.Close()

	ch, cancel := bus.Subscribe(context.Background())
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	if delivered := bus.Publish(tickEvent{Seq: 1}); delivered != 0 {
		t.Errorf("Publish after unsubscribe delivered %d, want 0", delivered)
	}
}

func TestBus_ContextCancelUnsubscribes(t *testing.T) {
	bus := New[tickEvent]()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after context cancel")
		}
	}
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	bus := New[tickEvent]()
	ch, _ := bus.Subscribe(context.Background())

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after bus close")
	}
	if delivered := bus.Publish(tickEvent{Seq: 1}); delivered != 0 {
		t.Errorf("Publish after Close delivered %d, want 0", delivered)
	}
}

func TestBus_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	bus := NewSized[tickEvent](8)
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		ch, _ := bus.Subscribe(ctx)

		wg.Add(2)
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i%4) * time.Millisecond)
			cancel()
		}()
	}

	for i := 0; i < 1000; i++ {
		bus.Publish(tickEvent{Seq: i})
	}
	wg.Wait()
}
