package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_PublishToSubscribersOfType(t *testing.T) {
	eb := NewEventBus()
	rounds := make(chan Event, 1)
	stops := make(chan Event, 1)
	eb.Subscribe("round", rounds)
	eb.Subscribe("stop", stops)

	eb.Publish(Event{Type: "round", Data: RoundFinishedEvent{Round: 3}})

	require.Len(t, rounds, 1)
	assert.Len(t, stops, 0)
	ev := <-rounds
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, 3, ev.Data.(RoundFinishedEvent).Round)
}

func TestEventBus_FullSubscriberDoesNotBlock(t *testing.T) {
	eb := NewEventBus()
	ch := make(chan Event)
	eb.Subscribe("round", ch)

	eb.Publish(Event{Type: "round"})
	assert.Len(t, ch, 0)
}
