package delta

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.Fatal("notified before NotifyAll")
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notify:
	case <-time.After(1 * time.Second):
		t.Fatal("missed notify")
	}

	// each NotifyAll arms a fresh channel
	next := monitor.NotifyChannel()
	select {
	case <-next:
		t.Fatal("stale notify")
	default:
	}
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()

	out := []int{}
	firstId := callbacks.Add(func(v int) {
		out = append(out, v)
	})
	callbacks.Add(func(v int) {
		out = append(out, 10*v)
	})

	// snapshot iterates in add order
	for _, callback := range callbacks.Get() {
		callback(7)
	}
	assert.Equal(t, out, []int{7, 70})

	callbacks.Remove(firstId)
	out = []int{}
	for _, callback := range callbacks.Get() {
		callback(7)
	}
	assert.Equal(t, out, []int{70})
}

func TestReconnectAfter(t *testing.T) {
	// the wait is measured from creation, so time already spent on the
	// failed attempt counts toward it
	reconnect := NewReconnect(50 * time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	start := time.Now()
	select {
	case <-reconnect.After():
	case <-time.After(1 * time.Second):
		t.Fatal("reconnect never fired")
	}
	if 50*time.Millisecond < time.Since(start) {
		t.Fatal("elapsed timeout should fire immediately")
	}
}

func TestHandleError(t *testing.T) {
	assert.Equal(t, HandleError(func() {}) == nil, true)

	var handled error
	r := HandleError(func() {
		panic(errors.New("boom"))
	}, func(err error) {
		handled = err
	})
	assert.Equal(t, r == nil, false)
	assert.Equal(t, handled.Error(), "boom")

	// non-error panic values are wrapped for error handlers
	handled = nil
	HandleError(func() {
		panic("bang")
	}, func(err error) {
		handled = err
	})
	assert.Equal(t, handled.Error(), "bang")

	cleanedUp := false
	HandleError(func() {
		panic(errors.New("boom"))
	}, func() {
		cleanedUp = true
	})
	assert.Equal(t, cleanedUp, true)
}
