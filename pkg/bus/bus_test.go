package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscribePublishDeliversEvent(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(4)
	defer unsubscribe()

	b.Publish(TopicSetupStatus, SetupStatus{Message: "probing platform", Level: LevelInfo})

	select {
	case ev := <-ch:
		assert.Equal(t, TopicSetupStatus, ev.Topic)
		payload, ok := ev.Payload.(SetupStatus)
		assert.True(t, ok)
		assert.Equal(t, "probing platform", payload.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(1)
	ch2, unsub2 := b.Subscribe(1)
	defer unsub1()
	defer unsub2()

	b.Publish(TopicWatchdogNotice, WatchdogNotice{Title: "restarted", Level: LevelWarning})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, TopicWatchdogNotice, ev.Topic)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(1)
	defer unsubscribe()

	// Fill the buffer, then publish again: the second publish must not block.
	b.Publish(TopicServiceState, ServiceState{Key: "comfyui", Status: "running"})
	done := make(chan struct{})
	go func() {
		b.Publish(TopicServiceState, ServiceState{Key: "comfyui", Status: "stopped"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}

	// Only the first event is observed; the second was dropped.
	ev := <-ch
	payload := ev.Payload.(ServiceState)
	assert.Equal(t, "running", payload.Status)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(1)
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok, "expected channel to be closed after unsubscribe")
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := New()
	ch1, _ := b.Subscribe(1)
	ch2, _ := b.Subscribe(1)

	b.Close()

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	assert.False(t, ok1)
	assert.False(t, ok2)
}
