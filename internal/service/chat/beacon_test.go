package chat

import (
	"errors"
	"testing"
	"time"

	"open3/internal/domain"
)

func TestBeaconSingleClaim(t *testing.T) {
	beacon := NewBeacon()

	if err := beacon.Begin("conv", "msg-1", "m", func() {}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := beacon.Begin("conv", "msg-2", "m", func() {}); !errors.Is(err, domain.ErrStreamActive) {
		t.Errorf("second Begin: got %v, want ErrStreamActive", err)
	}

	messageID, active := beacon.Claim("conv")
	if !active || messageID != "msg-1" {
		t.Errorf("Claim = (%q, %v)", messageID, active)
	}

	// Another conversation is unaffected.
	if err := beacon.Begin("other", "msg-3", "m", func() {}); err != nil {
		t.Errorf("Begin other conversation: %v", err)
	}

	beacon.Finish("conv", StreamUpdate{Kind: UpdateComplete, MessageID: "msg-1"})
	if _, active := beacon.Claim("conv"); active {
		t.Error("claim survived Finish")
	}
	if err := beacon.Begin("conv", "msg-4", "m", func() {}); err != nil {
		t.Errorf("Begin after Finish: %v", err)
	}
}

func TestBeaconCancel(t *testing.T) {
	beacon := NewBeacon()

	cancelled := false
	if err := beacon.Begin("conv", "msg", "m", func() { cancelled = true }); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if !beacon.Cancel("conv") {
		t.Error("Cancel returned false for active stream")
	}
	if !cancelled {
		t.Error("cancel func not invoked")
	}
	// The claim is only released by Finish.
	if _, active := beacon.Claim("conv"); !active {
		t.Error("claim released by Cancel")
	}

	if beacon.Cancel("idle") {
		t.Error("Cancel returned true for idle conversation")
	}
}

func TestBeaconBroadcastAndUnsubscribe(t *testing.T) {
	beacon := NewBeacon()

	firstID, first := beacon.Subscribe("conv")
	_, second := beacon.Subscribe("conv")

	beacon.Broadcast("conv", StreamUpdate{Kind: UpdateDelta, MessageID: "msg", Content: "x"})

	for name, ch := range map[string]<-chan StreamUpdate{"first": first, "second": second} {
		select {
		case update := <-ch:
			if update.Content != "x" {
				t.Errorf("%s watcher got %+v", name, update)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s watcher got nothing", name)
		}
	}

	beacon.Unsubscribe("conv", firstID)
	if _, open := <-first; open {
		t.Error("unsubscribed channel not closed")
	}

	// Remaining watcher still receives.
	beacon.Broadcast("conv", StreamUpdate{Kind: UpdateDelta, MessageID: "msg", Content: "y"})
	select {
	case update := <-second:
		if update.Content != "y" {
			t.Errorf("second watcher got %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatal("second watcher got nothing after unsubscribe of first")
	}
}

func TestBeaconStatusAccumulatesDeltas(t *testing.T) {
	beacon := NewBeacon()

	if _, ok := beacon.Status("conv"); ok {
		t.Error("idle conversation reported a status")
	}

	if err := beacon.Begin("conv", "msg", "openai/gpt-4o", func() {}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	beacon.Broadcast("conv", StreamUpdate{Kind: UpdateDelta, MessageID: "msg", Reasoning: "hmm"})
	beacon.Broadcast("conv", StreamUpdate{Kind: UpdateDelta, MessageID: "msg", Content: "Hel"})
	beacon.Broadcast("conv", StreamUpdate{Kind: UpdateDelta, MessageID: "msg", Content: "lo"})

	status, ok := beacon.Status("conv")
	if !ok {
		t.Fatal("active stream reported no status")
	}
	if status.MessageID != "msg" || status.Model != "openai/gpt-4o" {
		t.Errorf("status = %+v", status)
	}
	if status.Content != "Hello" || status.Reasoning != "hmm" {
		t.Errorf("accumulated text = (%q, %q)", status.Content, status.Reasoning)
	}
	if status.StartedAt.IsZero() {
		t.Error("status missing start time")
	}

	// Attach snapshots and subscribes in one step: the snapshot holds the
	// text so far and the channel only carries what follows.
	clientID, ch, attached, active := beacon.Attach("conv")
	defer beacon.Unsubscribe("conv", clientID)
	if !active || attached.Content != "Hello" {
		t.Errorf("Attach = (%+v, %v)", attached, active)
	}
	if len(ch) != 0 {
		t.Errorf("channel carries %d pre-attach updates, want 0", len(ch))
	}
	beacon.Broadcast("conv", StreamUpdate{Kind: UpdateDelta, MessageID: "msg", Content: "!"})
	select {
	case update := <-ch:
		if update.Content != "!" {
			t.Errorf("post-attach update = %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatal("post-attach update not delivered")
	}

	beacon.Finish("conv", StreamUpdate{Kind: UpdateComplete, MessageID: "msg"})
	if _, ok := beacon.Status("conv"); ok {
		t.Error("status survived Finish")
	}
}

func TestBeaconSkipsFullWatcher(t *testing.T) {
	beacon := NewBeacon()
	_, ch := beacon.Subscribe("conv")

	// Channel capacity is 20; overflow must not block the broadcaster.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			beacon.Broadcast("conv", StreamUpdate{Kind: UpdateDelta, MessageID: "msg"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full watcher")
	}
	if len(ch) != 20 {
		t.Errorf("buffered %d updates, want 20", len(ch))
	}
}
