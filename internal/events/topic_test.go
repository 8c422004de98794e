package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopic_PublishInSubscriptionOrder(t *testing.T) {
	var topic Topic[int]
	var got []string

	topic.Subscribe(func(v int) { got = append(got, "a") })
	topic.Subscribe(func(v int) { got = append(got, "b") })

	topic.Publish(1)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestTopic_Unsubscribe(t *testing.T) {
	var topic Topic[string]
	calls := 0

	unsub := topic.Subscribe(func(string) { calls++ })
	topic.Publish("x")
	unsub()
	unsub()
	topic.Publish("y")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, topic.Len())
}

func TestTopic_HandlerMaySubscribeDuringPublish(t *testing.T) {
	var topic Topic[int]
	nested := 0

	topic.Subscribe(func(int) {
		topic.Subscribe(func(int) { nested++ })
	})

	topic.Publish(1)
	assert.Equal(t, 0, nested)
	topic.Publish(2)
	assert.Equal(t, 1, nested)
}
