package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectRoomEvents carries every room frame. Each gateway process
// subscribes and delivers to its own local members.
const SubjectRoomEvents = "pigeon.room.events"

// roomEnvelope is the NATS payload of one fan-out.
type roomEnvelope struct {
	Room   string          `json:"room"`
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// DeliverFunc writes a frame to the local members of a room.
type DeliverFunc func(room string, frame []byte, exceptConn string) int

// RoomBus fans room frames out to every gateway process, including the
// publishing one, so delivery order is the NATS order everywhere.
type RoomBus struct {
	client  *NATSClient
	deliver DeliverFunc
	log     *zap.Logger
}

// NewRoomBus subscribes to room events and delivers them through deliver.
func NewRoomBus(client *NATSClient, deliver DeliverFunc, log *zap.Logger) (*RoomBus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &RoomBus{client: client, deliver: deliver, log: log.Named("roombus")}
	if err := client.Subscribe(SubjectRoomEvents, b.handle); err != nil {
		return nil, err
	}
	return b, nil
}

// Publish sends frame to every process hosting members of room. It
// implements gateway.Fanout.
func (b *RoomBus) Publish(room string, frame []byte, exceptConn string) error {
	data, err := json.Marshal(roomEnvelope{Room: room, Except: exceptConn, Frame: frame})
	if err != nil {
		return fmt.Errorf("roombus: encode: %w", err)
	}
	return b.client.Publish(SubjectRoomEvents, data)
}

func (b *RoomBus) handle(msg *nats.Msg) {
	var env roomEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.Room == "" {
		b.log.Warn("dropping malformed room event", zap.Error(err))
		return
	}
	b.deliver(env.Room, env.Frame, env.Except)
}
