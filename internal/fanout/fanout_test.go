package fanout

import "testing"

func TestMainConsumerReceivesPublishedFrames(t *testing.T) {
	f := New(0)
	drain, ready := f.AttachMainConsumer()

	f.Publish(Frame{DeviceID: "a", Decoded: nil})
	f.Publish(Frame{DeviceID: "b", Decoded: nil})

	<-ready
	frames := drain()
	if len(frames) != 2 {
		t.Fatalf("expected 2 queued frames, got %d", len(frames))
	}
	if frames[0].DeviceID != "a" || frames[1].DeviceID != "b" {
		t.Fatalf("unexpected order: %+v", frames)
	}
}

func TestMainQueueDropsOldestForSameDeviceOnOverflow(t *testing.T) {
	f := New(0)
	_, ready := f.AttachMainConsumer()

	for i := 0; i < MainQueueCapacity+5; i++ {
		f.Publish(Frame{DeviceID: "a"})
	}
	<-ready

	f.mu.Lock()
	n := len(f.main)
	f.mu.Unlock()
	if n != MainQueueCapacity {
		t.Fatalf("expected queue capped at %d, got %d", MainQueueCapacity, n)
	}
}

func TestBackgroundSubscriberSkipsTestPatternByDefault(t *testing.T) {
	f := New(0)
	h := f.Subscribe(4, false)
	defer h.Close()

	f.Publish(Frame{DeviceID: "a", IsTestPattern: true})
	select {
	case fr := <-h.Frames():
		t.Fatalf("did not expect test-pattern frame, got %+v", fr)
	default:
	}

	f.Publish(Frame{DeviceID: "a", IsTestPattern: false})
	select {
	case <-h.Frames():
	default:
		t.Fatal("expected real frame to be delivered")
	}
}

func TestBackgroundSubscriberOptInReceivesTestPattern(t *testing.T) {
	f := New(0)
	h := f.Subscribe(4, true)
	defer h.Close()

	f.Publish(Frame{DeviceID: "a", IsTestPattern: true})
	select {
	case <-h.Frames():
	default:
		t.Fatal("expected test-pattern frame to be delivered to opted-in subscriber")
	}
}

func TestHandleCloseUnsubscribes(t *testing.T) {
	f := New(0)
	h := f.Subscribe(1, false)
	h.Close()
	h.Close() // idempotent

	f.mu.Lock()
	n := len(f.background)
	f.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected 0 background subscribers after close, got %d", n)
	}
}
