// Package websocket fans job events out to live subscriber connections,
// one subscriber set per job id.
package websocket

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"g3-engine/internal/logging"
	"g3-engine/internal/metrics"
)

// Conn is a subscriber connection. Send must not block the caller;
// transports with slow consumers buffer internally and drop on overflow.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Event is the wire envelope for every broadcast.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Broadcaster maintains per-job subscriber sets and multicasts events to
// them. Delivery is best-effort: a dead connection is pruned as a side
// effect of the failed send, and per-connection errors never abort
// delivery to the rest of the set.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[Conn]bool
	relay       *RedisRelay
}

// NewBroadcaster creates an empty registry.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uuid.UUID]map[Conn]bool),
	}
}

// SetRelay attaches a cross-node relay. Events are then also published to
// other nodes, and their events delivered to local subscribers.
func (b *Broadcaster) SetRelay(relay *RedisRelay) {
	b.relay = relay
	relay.onMessage = b.deliver
}

// Register adds a connection to a job's subscriber set. Set semantics:
// registering the same connection twice is a no-op.
func (b *Broadcaster) Register(jobID uuid.UUID, conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subscribers[jobID]
	if !ok {
		set = make(map[Conn]bool)
		b.subscribers[jobID] = set
		if b.relay != nil {
			b.relay.subscribe(jobID)
		}
	}
	if !set[conn] {
		set[conn] = true
		metrics.Get().SubscribersGauge.Inc()
	}
	logging.L().Debug("subscriber registered",
		zap.String("job_id", jobID.String()), zap.Int("total", len(set)))
}

// Unregister removes a connection; the job's entry disappears entirely
// once its set is empty.
func (b *Broadcaster) Unregister(jobID uuid.UUID, conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(jobID, conn)
}

func (b *Broadcaster) removeLocked(jobID uuid.UUID, conn Conn) {
	set, ok := b.subscribers[jobID]
	if !ok || !set[conn] {
		return
	}
	delete(set, conn)
	metrics.Get().SubscribersGauge.Dec()
	if len(set) == 0 {
		delete(b.subscribers, jobID)
		if b.relay != nil {
			b.relay.unsubscribe(jobID)
		}
	}
}

// Subscribers reports the current set size for a job id.
func (b *Broadcaster) Subscribers(jobID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[jobID])
}

// Broadcast serializes {type, data} once and sends it to every live
// connection for the job id. No subscribers means no work. Serialization
// or send failures are logged and swallowed; event delivery is never a
// correctness dependency of orchestration.
func (b *Broadcaster) Broadcast(jobID uuid.UUID, eventType string, payload interface{}) {
	data, err := json.Marshal(Event{Type: eventType, Data: payload})
	if err != nil {
		logging.L().Warn("event serialization failed",
			zap.String("job_id", jobID.String()),
			zap.String("type", eventType),
			zap.Error(err))
		return
	}

	b.deliver(jobID, data)

	if b.relay != nil {
		b.relay.publish(jobID, data)
	}
}

// deliver sends raw bytes to the local subscriber set, pruning
// connections whose send fails.
func (b *Broadcaster) deliver(jobID uuid.UUID, data []byte) {
	b.mu.RLock()
	set := b.subscribers[jobID]
	conns := make([]Conn, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	b.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	var dead []Conn
	for _, conn := range conns {
		if err := conn.Send(data); err != nil {
			logging.L().Debug("subscriber send failed, pruning",
				zap.String("job_id", jobID.String()), zap.Error(err))
			dead = append(dead, conn)
		}
	}

	if len(dead) > 0 {
		b.mu.Lock()
		for _, conn := range dead {
			b.removeLocked(jobID, conn)
			_ = conn.Close()
		}
		b.mu.Unlock()
	}
}
