package eventbus

import "testing"

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()
	b := New()
	jobs, unsubJobs := b.Subscribe(4, "job.")
	all, unsubAll := b.Subscribe(4)
	defer unsubJobs()
	defer unsubAll()

	b.Publish(Event{Type: "job.started"})
	b.Publish(Event{Type: "trigger.armed"})

	if len(jobs) != 1 {
		t.Fatalf("job subscriber got %d events, want 1", len(jobs))
	}
	if e := <-jobs; e.Type != "job.started" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
	if len(all) != 2 {
		t.Fatalf("catch-all subscriber got %d events, want 2", len(all))
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "x"})
	}
	if len(ch) != 1 {
		t.Fatalf("buffer len = %d, want 1", len(ch))
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "after-unsubscribe"})
}
