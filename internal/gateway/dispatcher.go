package gateway

import (
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pigeon/chat-app/internal/metrics"
	"github.com/pigeon/chat-app/internal/protocol"
)

// handlerFunc handles a parsed client frame. msg is the concrete struct
// returned by protocol.ParseClientMessage.
type handlerFunc func(s *session, msg interface{})

// register associates a handler with an event type, replacing any previous
// one.
func (g *Gateway) register(msgType string, h handlerFunc) {
	g.handlers[msgType] = h
}

// Dispatch is the transport's message callback. It throttles, parses,
// answers ping itself and routes everything else to the registered handler.
// Only authenticate is accepted before the connection is authenticated.
func (g *Gateway) Dispatch(p Peer, data []byte) {
	s := g.session(p.ConnID())
	if s == nil {
		return
	}

	if !s.limiter.Allow() {
		g.send(p, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retryAfter(s.limiter)})
		return
	}

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		g.log.Debug("dispatch parse error", zap.String("conn", p.ConnID()), zap.Error(err))
		g.sendError(p, "parse_error", "invalid message format")
		return
	}
	metrics.EventsTotal.WithLabelValues(msgType, "in").Inc()

	if msgType == protocol.TypePing {
		g.send(p, protocol.TypePong, protocol.PongMsg{})
		return
	}

	if msgType != protocol.TypeAuthenticate && s.user() == "" {
		g.sendError(p, "unauthenticated", "authenticate first")
		return
	}

	h, ok := g.handlers[msgType]
	if !ok {
		g.log.Debug("unsupported message type", zap.String("type", msgType), zap.String("conn", p.ConnID()))
		g.sendError(p, "unsupported_type", "unsupported message type")
		return
	}
	h(s, msg)
}

// retryAfter returns the whole seconds until the limiter admits one more
// event, at least 1.
func retryAfter(l *rate.Limiter) int {
	now := time.Now()
	r := l.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)

	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// send encodes and queues a frame for a single peer. Failures are logged;
// the transport closes peers that cannot keep up.
func (g *Gateway) send(p Peer, event string, payload interface{}) {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		g.log.Error("failed to build frame", zap.String("type", event), zap.Error(err))
		return
	}
	if err := p.Send(data); err != nil {
		g.log.Debug("send failed", zap.String("type", event), zap.String("conn", p.ConnID()), zap.Error(err))
		return
	}
	metrics.EventsTotal.WithLabelValues(event, "out").Inc()
}

// sendError sends a structured error frame.
func (g *Gateway) sendError(p Peer, code, message string) {
	g.send(p, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// publish encodes payload and fans it out to room.
func (g *Gateway) publish(room, event string, payload interface{}, exceptConn string) {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		g.log.Error("failed to build frame", zap.String("type", event), zap.Error(err))
		return
	}
	g.publishFrame(room, event, data, exceptConn)
}

func (g *Gateway) publishFrame(room, event string, data []byte, exceptConn string) {
	if err := g.fanout.Publish(room, data, exceptConn); err != nil {
		g.log.Warn("fan-out failed", zap.String("room", room), zap.String("type", event), zap.Error(err))
		return
	}
	metrics.EventsTotal.WithLabelValues(event, "out").Inc()
}
