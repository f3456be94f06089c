package services

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

func TestEventBus_PubSub(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	jobID := domain.JobID("job-123")

	ch, unsub := bus.Subscribe(jobID)
	defer unsub()

	event := domain.JobEvent{
		JobID:     jobID,
		Status:    domain.JobStatusDelivered,
		Timestamp: time.Now(),
	}
	bus.Publish(event)

	select {
	case received := <-ch:
		assert.Equal(t, event.JobID, received.JobID)
		assert.Equal(t, event.Status, received.Status)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)
	jobID := domain.JobID("job-456")

	ch, unsub := bus.Subscribe(jobID)
	unsub()
	unsub() // second call is a no-op

	bus.Publish(domain.JobEvent{JobID: jobID, Status: domain.JobStatusCancelled})

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)
	jobID := domain.JobID("job-multi")

	ch1, unsub1 := bus.Subscribe(jobID)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe(jobID)
	defer unsub2()
	other, unsub3 := bus.Subscribe("job-other")
	defer unsub3()

	bus.Publish(domain.JobEvent{JobID: jobID, Status: domain.JobStatusApproved})

	timeout := time.After(1 * time.Second)
	got1, got2 := false, false
	for i := 0; i < 2; i++ {
		select {
		case <-ch1:
			got1 = true
		case <-ch2:
			got2 = true
		case <-timeout:
			t.Fatal("timeout")
		}
	}
	assert.True(t, got1)
	assert.True(t, got2)
	assert.Len(t, other, 0)
}

func TestEventBus_FullChannelDrops(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)
	ch, unsub := bus.Subscribe("job-full")
	defer unsub()

	for i := 0; i < 150; i++ {
		bus.Publish(domain.JobEvent{JobID: "job-full", Status: domain.JobStatusInProgress})
	}
	assert.Len(t, ch, 100)
}
