package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pktesting "postkeeper/internal/platform/testing"
)

func TestCenter_PriorityOrdering(t *testing.T) {
	c := NewCenter(10, nil, nil)
	c.Post(Queued{PostID: "1"})
	c.Post(RetryScheduled{PostID: "1", Attempt: 1})
	c.Post(Failed{PostID: "2", Reason: "bad request"})
	c.Post(Success{PostID: "1"})

	active := c.Active()
	require.Len(t, active, 4)
	assert.Equal(t, "failed", active[0].Event.Kind())
	assert.Equal(t, "retryScheduled", active[1].Event.Kind())
	assert.Equal(t, "queued", active[2].Event.Kind())
	assert.Equal(t, "success", active[3].Event.Kind())
}

func TestCenter_Sweep(t *testing.T) {
	clock := pktesting.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewCenter(10, clock.Now, nil)

	low := c.Post(Queued{PostID: "1"})
	medium := c.Post(RetryScheduled{PostID: "1"})
	high := c.Post(Failed{PostID: "1"})
	readHigh := c.Post(Failed{PostID: "2"})
	require.True(t, c.MarkRead(readHigh.ID))

	assert.Zero(t, c.Sweep(clock.Now().Add(AutoDismissAfter)))
	assert.Equal(t, 2, c.Sweep(clock.Now().Add(AutoDismissAfter+time.Second)))

	var ids []string
	for _, n := range c.Active() {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []string{medium.ID, high.ID}, ids)
	assert.NotContains(t, ids, low.ID)
	assert.Len(t, c.History(), 4)
}

func TestCenter_DismissAndHistoryBound(t *testing.T) {
	c := NewCenter(3, nil, nil)
	var last Notification
	for i := 0; i < 5; i++ {
		last = c.Post(Success{PostID: "x"})
	}
	assert.Len(t, c.History(), 3)
	assert.Len(t, c.Active(), 5)

	assert.True(t, c.Dismiss(last.ID))
	assert.False(t, c.Dismiss(last.ID))
	assert.False(t, c.MarkRead(last.ID))
	c.DismissAll()
	assert.Empty(t, c.Active())
	assert.Len(t, c.History(), 3)
}

func TestCenter_SubscribeInOrder(t *testing.T) {
	c := NewCenter(10, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := c.Subscribe(ctx)

	c.Post(Queued{PostID: "a"})
	c.Post(Success{PostID: "a"})
	assert.Equal(t, "queued", (<-ch).Event.Kind())
	assert.Equal(t, "success", (<-ch).Event.Kind())
}

func TestNotification_JSON(t *testing.T) {
	n := Notification{ID: "n1", Event: RateLimited{PostID: "p", RetryAfter: time.Second}, Timestamp: time.Unix(0, 0).UTC()}
	raw, err := sonic.Marshal(n)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, sonic.Unmarshal(raw, &decoded))
	assert.Equal(t, "rateLimited", decoded["type"])
	assert.Equal(t, "medium", decoded["priority"])
	assert.Equal(t, "p", decoded["data"].(map[string]any)["postId"])
}
