package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishIsScopedToTeam(t *testing.T) {
	hub := NewHub(nil)
	mine, unsubscribe := hub.Subscribe("team-1")
	defer unsubscribe()
	theirs, unsubscribeOther := hub.Subscribe("team-2")
	defer unsubscribeOther()

	hub.Publish(StatusUpdate{JobID: "job-1", TeamID: "team-1", Status: StatusRunning})

	require.Len(t, mine, 1)
	got := <-mine
	assert.Equal(t, "job-1", got.JobID)
	assert.Empty(t, theirs)
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub(nil)
	ch, unsubscribe := hub.Subscribe("team-1")
	assert.Equal(t, 1, hub.Subscribers("team-1"))

	unsubscribe()
	unsubscribe()
	assert.Zero(t, hub.Subscribers("team-1"))

	_, open := <-ch
	assert.False(t, open)

	hub.Publish(StatusUpdate{JobID: "job-1", TeamID: "team-1"})
}

func TestHub_SlowSubscriberDropsUpdates(t *testing.T) {
	hub := NewHub(nil)
	ch, unsubscribe := hub.Subscribe("team-1")
	defer unsubscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(StatusUpdate{JobID: "job-1", TeamID: "team-1"})
	}
	assert.Len(t, ch, subscriberBuffer)
}
