// Package events_test provides tests for the event bus.
package events_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradeforge/replay/internal/events"
	"github.com/tradeforge/replay/pkg/types"
	"go.uber.org/zap"
)

func testBar(ts time.Time, close int64) types.Bar {
	price := decimal.NewFromInt(close)
	return types.Bar{
		Symbol:    "BTC/USDT",
		Timestamp: ts,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    decimal.NewFromInt(1000),
	}
}

func TestSubscriptionOrder(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.BusConfig{})

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		if _, err := bus.Subscribe(events.EventTypeBar, func(events.Event) error {
			order = append(order, name)
			return nil
		}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	if err := bus.Publish(events.NewBarEvent(testBar(time.Unix(1, 0), 10))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(order) != 3 {
		t.Fatalf("Expected 3 deliveries, got %d", len(order))
	}
	for i, want := range []string{"first", "second", "third"} {
		if order[i] != want {
			t.Errorf("Delivery %d: expected %s, got %s", i, want, order[i])
		}
	}
}

func TestDepthFirstDispatch(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.BusConfig{})

	// The bar handler publishes a signal mid-dispatch; every nested
	// delivery must complete before the outer Publish returns.
	var trace []string

	bus.Subscribe(events.EventTypeSignal, func(e events.Event) error {
		trace = append(trace, "signal")
		return nil
	})
	bus.Subscribe(events.EventTypeBar, func(e events.Event) error {
		trace = append(trace, "bar-start")
		sig := &types.Signal{
			Symbol:    "BTC/USDT",
			Direction: types.DirectionLong,
			Timestamp: e.GetTimestamp(),
		}
		if err := bus.Publish(events.NewSignalEvent(sig)); err != nil {
			return err
		}
		trace = append(trace, "bar-end")
		return nil
	})

	if err := bus.Publish(events.NewBarEvent(testBar(time.Unix(1, 0), 10))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	want := []string{"bar-start", "signal", "bar-end"}
	if len(trace) != len(want) {
		t.Fatalf("Expected trace %v, got %v", want, trace)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("Expected trace %v, got %v", want, trace)
		}
	}
}

func TestSequenceReflectsPublishOrder(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.BusConfig{})

	var barSeq, signalSeq uint64
	bus.Subscribe(events.EventTypeSignal, func(e events.Event) error {
		signalSeq = e.GetSequence()
		return nil
	})
	bus.Subscribe(events.EventTypeBar, func(e events.Event) error {
		barSeq = e.GetSequence()
		sig := &types.Signal{Symbol: "BTC/USDT", Direction: types.DirectionLong, Timestamp: e.GetTimestamp()}
		return bus.Publish(events.NewSignalEvent(sig))
	})

	bus.Publish(events.NewBarEvent(testBar(time.Unix(1, 0), 10)))
	bus.Publish(events.NewBarEvent(testBar(time.Unix(2, 0), 11)))

	if barSeq != 3 {
		t.Errorf("Expected second bar sequence 3, got %d", barSeq)
	}
	if signalSeq != 4 {
		t.Errorf("Expected nested signal sequence 4, got %d", signalSeq)
	}
	if bus.Sequence() != 4 {
		t.Errorf("Expected bus sequence 4, got %d", bus.Sequence())
	}
	if bus.LogLen() != 4 {
		t.Errorf("Expected 4 logged events, got %d", bus.LogLen())
	}
}

func TestHandlerPanicContained(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.BusConfig{})

	delivered := false
	bus.Subscribe(events.EventTypeBar, func(events.Event) error {
		panic("handler exploded")
	})
	bus.Subscribe(events.EventTypeBar, func(events.Event) error {
		delivered = true
		return nil
	})

	if err := bus.Publish(events.NewBarEvent(testBar(time.Unix(1, 0), 10))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if !delivered {
		t.Error("Handler after the panicking one was not delivered to")
	}
	if bus.Warnings() != 1 {
		t.Errorf("Expected 1 warning, got %d", bus.Warnings())
	}
}

func TestHandlerErrorCounted(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.BusConfig{})

	bus.Subscribe(events.EventTypeBar, func(events.Event) error {
		return errors.New("boom")
	})

	bus.Publish(events.NewBarEvent(testBar(time.Unix(1, 0), 10)))
	bus.Publish(events.NewBarEvent(testBar(time.Unix(2, 0), 11)))

	if bus.Warnings() != 2 {
		t.Errorf("Expected 2 warnings, got %d", bus.Warnings())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.BusConfig{})

	calls := 0
	id, err := bus.Subscribe(events.EventTypeBar, func(events.Event) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(events.NewBarEvent(testBar(time.Unix(1, 0), 10)))

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe returned false for a live subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("Unsubscribe returned true for a removed subscription")
	}

	bus.Publish(events.NewBarEvent(testBar(time.Unix(2, 0), 11)))

	if calls != 1 {
		t.Errorf("Expected 1 call after unsubscribe, got %d", calls)
	}
}

func TestResetLeavesBusFresh(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.BusConfig{})

	bus.Subscribe(events.EventTypeBar, func(events.Event) error {
		return errors.New("boom")
	})
	bus.Publish(events.NewBarEvent(testBar(time.Unix(1, 0), 10)))

	bus.Reset()

	if bus.SubscriberCount() != 0 {
		t.Errorf("Expected 0 subscribers after reset, got %d", bus.SubscriberCount())
	}
	if bus.LogLen() != 0 {
		t.Errorf("Expected empty log after reset, got %d", bus.LogLen())
	}
	if bus.Sequence() != 0 {
		t.Errorf("Expected sequence 0 after reset, got %d", bus.Sequence())
	}
	if bus.Warnings() != 0 {
		t.Errorf("Expected 0 warnings after reset, got %d", bus.Warnings())
	}
	if bus.Published() != 0 {
		t.Errorf("Expected 0 published after reset, got %d", bus.Published())
	}

	// Sequence restarts from 1, as on a fresh bus.
	bus.Publish(events.NewBarEvent(testBar(time.Unix(2, 0), 11)))
	if bus.Sequence() != 1 {
		t.Errorf("Expected sequence 1 after first post-reset publish, got %d", bus.Sequence())
	}
}

func TestLogCapacityKeepsNewest(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.BusConfig{LogCapacity: 2})

	for i := 1; i <= 5; i++ {
		bus.Publish(events.NewBarEvent(testBar(time.Unix(int64(i), 0), 10)))
	}

	log := bus.Log()
	if len(log) != 2 {
		t.Fatalf("Expected log capped at 2, got %d", len(log))
	}
	if log[0].GetSequence() != 4 || log[1].GetSequence() != 5 {
		t.Errorf("Expected sequences [4 5], got [%d %d]", log[0].GetSequence(), log[1].GetSequence())
	}
	// The counter keeps running even when old entries are dropped.
	if bus.Sequence() != 5 {
		t.Errorf("Expected sequence 5, got %d", bus.Sequence())
	}
}

func TestPublishNilEvent(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.BusConfig{})

	if err := bus.Publish(nil); err == nil {
		t.Error("Expected error publishing nil event")
	}
}
