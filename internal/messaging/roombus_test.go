package messaging

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap/zaptest"
)

type delivery struct {
	room, except, frame string
}

type recorder struct {
	mu  sync.Mutex
	got []delivery
	ch  chan struct{}
}

func newRecorder() *recorder { return &recorder{ch: make(chan struct{}, 16)} }

func (r *recorder) deliver(room string, frame []byte, except string) int {
	r.mu.Lock()
	r.got = append(r.got, delivery{room: room, except: except, frame: string(frame)})
	r.mu.Unlock()
	r.ch <- struct{}{}
	return 1
}

func TestRoomBus_HandleDecodesEnvelope(t *testing.T) {
	rec := newRecorder()
	b := &RoomBus{deliver: rec.deliver, log: zaptest.NewLogger(t)}

	b.handle(&nats.Msg{Data: []byte(`{"room":"chat:1","except":"c1","frame":{"type":"typing","chatId":"1"}}`)})
	b.handle(&nats.Msg{Data: []byte(`garbage`)})
	b.handle(&nats.Msg{Data: []byte(`{"frame":{}}`)})

	if len(rec.got) != 1 {
		t.Fatalf("expected one delivery, got %v", rec.got)
	}
	got := rec.got[0]
	if got.room != "chat:1" || got.except != "c1" || got.frame != `{"type":"typing","chatId":"1"}` {
		t.Errorf("unexpected delivery %+v", got)
	}
}

func TestRoomBus_RoundTripThroughNATS(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	cfg := DefaultNATSConfig()
	cfg.URL = url
	client, err := NewNATSClient(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("NATS not available at %s: %v", url, err)
	}
	defer client.Close()

	rec := newRecorder()
	bus, err := NewRoomBus(client, rec.deliver, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	if err := bus.Publish("user:alice", []byte(`{"type":"newChat","chatId":"x"}`), ""); err != nil {
		t.Fatal(err)
	}
	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("room event not delivered")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.got[0].room != "user:alice" || rec.got[0].frame != `{"type":"newChat","chatId":"x"}` {
		t.Errorf("unexpected delivery %+v", rec.got[0])
	}
}
