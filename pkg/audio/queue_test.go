package audio_test

import (
	"testing"

	"github.com/voxaline/voxaline/pkg/audio"
)

func frameWithMarker(marker int16) audio.Frame {
	return audio.Frame{PCM: []int16{marker}, SampleRate: 16000}
}

func TestFrameQueue_FIFO(t *testing.T) {
	q := audio.NewFrameQueue(4)
	for i := int16(0); i < 3; i++ {
		q.Push(frameWithMarker(i))
	}
	for i := int16(0); i < 3; i++ {
		f, ok := q.TryPop()
		if !ok {
			t.Fatalf("pop %d: queue empty", i)
		}
		if f.PCM[0] != i {
			t.Errorf("pop %d: got marker %d", i, f.PCM[0])
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Error("pop on empty queue returned ok")
	}
}

// A full queue drops its oldest entry and never blocks the producer — the
// detection queue's bounded-staleness contract under sustained 100+fps push.
func TestFrameQueue_DropsOldestWhenFull(t *testing.T) {
	q := audio.NewFrameQueue(8)
	for i := int16(0); i < 1000; i++ {
		q.Push(frameWithMarker(i))
	}
	if q.Len() != 8 {
		t.Fatalf("Len = %d, want 8", q.Len())
	}
	if q.Dropped() != 992 {
		t.Errorf("Dropped = %d, want 992", q.Dropped())
	}
	// The survivors are the newest 8 frames, oldest first.
	for want := int16(992); want < 1000; want++ {
		f, ok := q.TryPop()
		if !ok {
			t.Fatalf("expected frame %d", want)
		}
		if f.PCM[0] != want {
			t.Errorf("got marker %d, want %d", f.PCM[0], want)
		}
	}
}

func TestFrameQueue_Clear(t *testing.T) {
	q := audio.NewFrameQueue(4)
	q.Push(frameWithMarker(1))
	q.Push(frameWithMarker(2))
	q.Clear()
	if q.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", q.Len())
	}
	if _, ok := q.TryPop(); ok {
		t.Error("TryPop after Clear returned ok")
	}
}

func TestFrameQueue_MinimumCapacity(t *testing.T) {
	q := audio.NewFrameQueue(0)
	q.Push(frameWithMarker(7))
	f, ok := q.TryPop()
	if !ok || f.PCM[0] != 7 {
		t.Fatalf("zero-capacity queue should clamp to 1; got ok=%v", ok)
	}
}
