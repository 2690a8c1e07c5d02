package transport

import (
	"context"
	"sync"
	"testing"
)

func TestDeliverAfterCloseIsDropped(t *testing.T) {
	t.Parallel()

	e := newEvents()
	e.closeChannels()

	// A receive loop may still hold a frame it read before Close ran; the
	// delivery must be dropped, never sent on the closed channel.
	e.deliverAudio([]byte{0x01})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.deliverControl(ctx, []byte(`{"type":"tts"}`))

	if _, ok := <-e.control; ok {
		t.Error("control delivered after close")
	}
	if _, ok := <-e.audio; ok {
		t.Error("audio delivered after close")
	}
}

func TestCloseChannelsIdempotent(t *testing.T) {
	t.Parallel()

	e := newEvents()
	e.closeChannels()
	e.closeChannels()
}

func TestCloseRacesWithDelivery(t *testing.T) {
	t.Parallel()

	e := newEvents()
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			e.deliverAudio([]byte{byte(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			e.deliverControl(ctx, []byte{byte(i)})
		}
	}()

	go func() {
		for range e.audio {
		}
	}()
	go func() {
		for range e.control {
		}
	}()

	cancel()
	e.closeChannels()
	wg.Wait()
}
