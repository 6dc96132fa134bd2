package bus

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryBusSelfFiltering(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var gotA, gotB []Message
	b.Subscribe("tab-a", func(m Message) { gotA = append(gotA, m) })
	b.Subscribe("tab-b", func(m Message) { gotB = append(gotB, m) })

	b.Publish(Message{Key: "--accent", Value: "#111111", Timestamp: 1, TabID: "tab-a"})

	if len(gotA) != 0 {
		t.Errorf("publisher received its own message: %v", gotA)
	}
	if len(gotB) != 1 {
		t.Fatalf("sibling received %d messages, want 1", len(gotB))
	}
	if gotB[0].Value != "#111111" || gotB[0].TabID != "tab-a" {
		t.Errorf("message = %+v", gotB[0])
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var got int
	cancel := b.Subscribe("tab-b", func(Message) { got++ })
	b.Publish(Message{Key: "--x1", TabID: "tab-a"})
	cancel()
	b.Publish(Message{Key: "--x1", TabID: "tab-a"})

	if got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
}

func TestFileBusDeliversAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broadcast.json")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	sender, err := NewFileBus(path, log)
	if err != nil {
		t.Fatalf("NewFileBus(sender): %v", err)
	}
	defer sender.Close()

	receiver, err := NewFileBus(path, log)
	if err != nil {
		t.Fatalf("NewFileBus(receiver): %v", err)
	}
	defer receiver.Close()

	senderGot := make(chan Message, 4)
	receiverGot := make(chan Message, 4)
	sender.Subscribe("tab-a", func(m Message) { senderGot <- m })
	receiver.Subscribe("tab-b", func(m Message) { receiverGot <- m })

	sender.Publish(Message{Key: "--accent", Value: "#222222", Timestamp: 42, TabID: "tab-a"})

	select {
	case m := <-receiverGot:
		if m.Key != "--accent" || m.Value != "#222222" || m.TabID != "tab-a" {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("receiver never observed the broadcast file mutation")
	}

	select {
	case m := <-senderGot:
		t.Errorf("sender observed its own publish: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFileBusCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broadcast.json")
	b, err := NewFileBus(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
