package delivery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOutboxLatest(t *testing.T) {
	ctx := context.Background()
	o := NewOutbox(t.TempDir())
	tick := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	o.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	first := Message{InternalID: "evt-1", UID: "a@x", Method: "REQUEST", Sequence: 0, ContentType: "text/calendar", Body: []byte("one")}
	second := Message{InternalID: "evt-1", UID: "a@x", Method: "CANCEL", Sequence: 1, ContentType: "text/calendar", Body: []byte("two")}
	for _, m := range []Message{first, second} {
		if err := o.Deliver(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := o.Latest("a@x")
	if err != nil {
		t.Fatal(err)
	}
	if got.Method != "CANCEL" || got.Sequence != 1 || string(got.Body) != "two" || got.InternalID != "evt-1" {
		t.Errorf("latest = %+v", got)
	}

	files, err := filepath.Glob(filepath.Join(o.pathForUID("a@x"), "*.ics"))
	if err != nil || len(files) != 2 {
		t.Errorf("body files = %v, %v", files, err)
	}
}

func TestOutboxRejects(t *testing.T) {
	o := NewOutbox(t.TempDir())
	if err := o.Deliver(context.Background(), Message{Body: []byte("x")}); err == nil {
		t.Error("expected error for missing uid")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := o.Deliver(ctx, Message{UID: "a@x"}); err == nil {
		t.Error("expected error for cancelled context")
	}
	if _, err := o.Latest("a@x"); !os.IsNotExist(err) {
		t.Errorf("Latest err = %v", err)
	}
}
