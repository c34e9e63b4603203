package events

import (
	"strings"
	"testing"
	"time"

	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/protocol"
)

func uploadEvent(typ string, audience ...string) Event {
	return Event{SSEEvent: protocol.SSEEvent{Type: typ, JobID: "job-1"}, Audience: audience}
}

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe("alice")
	ch2 := b.Subscribe("bob")

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublishToAudience(t *testing.T) {
	b := NewBroadcaster()
	alice := b.Subscribe("alice")
	bob := b.Subscribe("bob")
	defer b.Unsubscribe(alice)
	defer b.Unsubscribe(bob)

	b.Publish(uploadEvent(EventUploadQueued, "alice"))

	select {
	case received := <-alice:
		if received.Type != EventUploadQueued {
			t.Errorf("expected type %s, got %s", EventUploadQueued, received.Type)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case e := <-bob:
		t.Fatalf("bob received an event outside its audience: %+v", e)
	default:
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("alice")
	defer b.Unsubscribe(ch)

	// Fill the channel buffer (64)
	for i := 0; i < 100; i++ {
		b.Publish(uploadEvent(EventUploadProgress, "alice"))
	}

	// Should not block or panic
	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			goto done
		}
	}
done:
	if count != 64 {
		t.Errorf("expected 64 buffered events, got %d", count)
	}
}

func TestTreeObserverReachesOwnerAndActor(t *testing.T) {
	b := NewBroadcaster()
	owner := b.Subscribe("owner")
	actor := b.Subscribe("collab")
	defer b.Unsubscribe(owner)
	defer b.Unsubscribe(actor)

	b.TreeObserver()(metadata.Change{Kind: "item.deleted", ItemID: "i1", ParentID: "p1", Owner: "owner", Actor: "collab"})

	for name, ch := range map[string]chan Event{"owner": owner, "collab": actor} {
		select {
		case e := <-ch:
			if e.Type != "item.deleted" || e.ItemID != "i1" || e.ParentID != "p1" {
				t.Errorf("%s: unexpected event %+v", name, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: timed out", name)
		}
	}
}

func TestMarshalEventOmitsAudience(t *testing.T) {
	e := uploadEvent(EventUploadFailed, "secret-identity")
	e.Timestamp = 1234567890
	data, err := MarshalEvent(e)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "secret-identity") {
		t.Errorf("audience leaked into JSON: %s", data)
	}
	if !strings.Contains(string(data), `"type":"upload.failed"`) {
		t.Errorf("missing type in %s", data)
	}
}
