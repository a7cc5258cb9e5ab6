package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	if err := c.Notify(context.Background(), types.NewIdentityAppeared("Ann", 0.25, nil, 1)); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Ann appeared") || !strings.Contains(out, "0.75") {
		t.Errorf("unexpected console output: %q", out)
	}
}

func TestKafka_PublishesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	k := NewKafkaWithWriter(w)
	event := types.NewIdentityAppeared("Ann", 0.3, []int{1, 2, 3, 4}, 7)

	if err := k.Notify(context.Background(), event); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "Ann" {
		t.Errorf("Expected key Ann, got %q", msg.Key)
	}

	var got types.IdentityAppeared
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.EventID != event.EventID || got.Name != "Ann" || got.Cycle != 7 {
		t.Errorf("payload mismatch: %+v", got)
	}
	if got.EventType != types.EventTypeIdentityAppeared {
		t.Errorf("Expected event type %s, got %s", types.EventTypeIdentityAppeared, got.EventType)
	}

	if err := k.Close(); err != nil || !w.closed {
		t.Errorf("Close did not close the writer: %v", err)
	}
	if err := k.Notify(context.Background(), event); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}

func TestNewKafka_RequiresBrokers(t *testing.T) {
	if _, err := NewKafka(nil, ""); err == nil {
		t.Error("Expected error without brokers")
	}
}

func TestMulti_ContinuesAfterFailure(t *testing.T) {
	boom := errors.New("boom")
	var delivered []string
	failing := NotifierFunc(func(context.Context, types.IdentityAppeared) error { return boom })
	ok := NotifierFunc(func(_ context.Context, e types.IdentityAppeared) error {
		delivered = append(delivered, e.Name)
		return nil
	})

	m := NewMulti(zap.NewNop(), failing, nil, ok)
	err := m.Notify(context.Background(), types.NewIdentityAppeared("Bob", 0.1, nil, 1))
	if !errors.Is(err, boom) {
		t.Errorf("Expected joined error to contain boom, got %v", err)
	}
	if len(delivered) != 1 || delivered[0] != "Bob" {
		t.Errorf("Expected Bob delivered to healthy sink, got %v", delivered)
	}
}

func TestHub(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe()
	if h.Listeners() != 1 {
		t.Fatalf("Expected 1 listener, got %d", h.Listeners())
	}

	h.Notify(context.Background(), types.NewIdentityAppeared("Ann", 0.2, nil, 1))
	select {
	case e := <-ch:
		if e.Name != "Ann" {
			t.Errorf("Expected Ann, got %s", e.Name)
		}
	default:
		t.Fatal("event not delivered")
	}

	// Fill the buffer; the next event is dropped instead of blocking.
	for i := 0; i < subscriberBuffer+1; i++ {
		h.Notify(context.Background(), types.NewIdentityAppeared("Bob", 0.2, nil, 2))
	}
	if h.Dropped() != 1 {
		t.Errorf("Expected 1 dropped event, got %d", h.Dropped())
	}

	cancel()
	cancel()
	if h.Listeners() != 0 {
		t.Errorf("Expected 0 listeners after cancel, got %d", h.Listeners())
	}
}
