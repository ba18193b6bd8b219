package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_OnlyReachesAuthorizedSubscribers(t *testing.T) {
	bus := New(10, nil)

	subA := bus.Subscribe("userA", map[string]struct{}{"w1": {}})
	defer subA.Close()
	subB := bus.Subscribe("userB", map[string]struct{}{"w2": {}})
	defer subB.Close()

	require.NoError(t, bus.Publish("w1"))

	select {
	case tok := <-subA.C():
		assert.Equal(t, "w1", tok.WalletID)
	case <-time.After(time.Second):
		t.Fatal("subA should have received the token")
	}

	select {
	case <-subB.C():
		t.Fatal("subB is not authorized for w1 and should not receive anything")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_DropsWhenBufferFull(t *testing.T) {
	bus := New(1, nil)
	sub := bus.Subscribe("userA", map[string]struct{}{"w1": {}})
	defer sub.Close()

	require.NoError(t, bus.Publish("w1"))
	require.NoError(t, bus.Publish("w1")) // buffer full; must not block or panic

	count := 0
	for {
		select {
		case <-sub.C():
			count++
		default:
			assert.Equal(t, 1, count)
			return
		}
	}
}

func TestSubscriberCount(t *testing.T) {
	bus := New(10, nil)
	assert.Equal(t, 0, bus.SubscriberCount())

	sub := bus.Subscribe("userA", map[string]struct{}{"w1": {}})
	assert.Equal(t, 1, bus.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount())
}
