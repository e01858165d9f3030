package eventbus

import "testing"

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: CampaignFired, Subject: "job-1"})
	b.Publish(Event{Type: CampaignFired, Subject: "job-2"})

	if got := (<-a).Subject; got != "job-1" {
		t.Fatalf("subscriber a got %q", got)
	}
	if len(c) != 2 {
		t.Fatalf("subscriber c buffered %d events, want 2", len(c))
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}

	unsubA()
	unsubA()
	b.Publish(Event{Type: ClaimGranted})
	if _, ok := <-a; ok {
		t.Fatal("unsubscribed channel should be closed")
	}
}

func TestPublishStampsTime(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: OperationFinished})
	if (<-ch).Time.IsZero() {
		t.Fatal("event time not set")
	}
}
