package executor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()
	first, unsubscribeFirst := bus.Subscribe(4)
	second, unsubscribeSecond := bus.Subscribe(1)
	defer unsubscribeSecond()

	bus.Publish(Event{Type: EventExecutionStarted, PlanID: "p"})
	bus.Publish(Event{Type: EventStepStarted, PlanID: "p", StepID: "s"})

	got := collect(first)
	require.Equal(t, []EventType{EventExecutionStarted, EventStepStarted}, eventTypes(got))
	require.False(t, got[0].Time.IsZero())

	// the slow subscriber keeps what fit in its buffer
	require.Equal(t, []EventType{EventExecutionStarted}, eventTypes(collect(second)))

	unsubscribeFirst()
	unsubscribeFirst()
	_, ok := <-first
	require.False(t, ok)

	bus.Publish(Event{Type: EventStepCompleted})
	require.Equal(t, []EventType{EventStepCompleted}, eventTypes(collect(second)))
}

func TestEventBusClose(t *testing.T) {
	bus := NewEventBus()
	events, unsubscribe := bus.Subscribe(1)
	bus.Close()
	bus.Close()
	unsubscribe()

	_, ok := <-events
	require.False(t, ok)

	late, _ := bus.Subscribe(1)
	_, ok = <-late
	require.False(t, ok)
	bus.Publish(Event{Type: EventStepStarted})
}

func TestEventBusNil(t *testing.T) {
	var bus *EventBus
	require.NotPanics(t, func() { bus.Publish(Event{Type: EventStepStarted}) })
}
