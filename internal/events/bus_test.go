package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestInMemoryBusFanOut(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop())

	var orderEvents, tradeEvents []Event
	bus.Subscribe(TopicOrder, func(e Event) { orderEvents = append(orderEvents, e) })
	bus.Subscribe(TopicOrder, func(e Event) { orderEvents = append(orderEvents, e) })
	bus.Subscribe(TopicTrade, func(e Event) { tradeEvents = append(tradeEvents, e) })

	bus.Publish(context.Background(), Event{Topic: TopicOrder, Type: TypeOrderAccepted})

	assert.Len(t, orderEvents, 2)
	assert.Empty(t, tradeEvents)
	assert.False(t, orderEvents[0].Timestamp.IsZero())
}

func TestInMemoryBusRecoversHandlerPanic(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop())

	delivered := false
	bus.Subscribe(TopicTrade, func(Event) { panic("boom") })
	bus.Subscribe(TopicTrade, func(Event) { delivered = true })

	bus.Publish(context.Background(), Event{Topic: TopicTrade, Type: TypeTradeSettled})
	assert.True(t, delivered, "panicking handler must not block the rest")
}

func TestTeeBusPublishesToAll(t *testing.T) {
	first := NewInMemoryBus(zap.NewNop())
	second := NewInMemoryBus(zap.NewNop())

	var got int
	first.Subscribe(TopicIPO, func(Event) { got++ })
	second.Subscribe(TopicIPO, func(Event) { got++ })

	TeeBus{first, second}.Publish(context.Background(), Event{Topic: TopicIPO, Type: TypeIPOAllotted})
	assert.Equal(t, 2, got)
}
