package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"g3-engine/internal/logging"
)

const eventChannelPrefix = "g3:events:"

// relayEnvelope wraps an event for the wire between nodes. Node carries
// the publisher's identity so a node can skip its own messages.
type relayEnvelope struct {
	Node string          `json:"node"`
	Data json.RawMessage `json:"data"`
}

// RedisRelay mirrors job events across engine nodes over Redis pub/sub,
// one channel per job id. A subscriber connected to node A still sees
// events from a job running on node B.
type RedisRelay struct {
	client    *redis.Client
	nodeID    string
	onMessage func(jobID uuid.UUID, data []byte)

	mu     sync.Mutex
	pubsub *redis.PubSub
	refs   map[uuid.UUID]int
	cancel context.CancelFunc
}

// NewRedisRelay connects to Redis and starts the receive loop. The relay
// subscribes lazily: a job's channel is joined when its first local
// subscriber registers and left when the last one goes.
func NewRedisRelay(redisURL string) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &RedisRelay{
		client: client,
		nodeID: uuid.NewString(),
		pubsub: client.Subscribe(ctx),
		refs:   make(map[uuid.UUID]int),
		cancel: cancel,
	}
	go r.receiveLoop(ctx)
	return r, nil
}

// Close tears down the pub/sub connection and the client.
func (r *RedisRelay) Close() error {
	r.cancel()
	r.pubsub.Close()
	return r.client.Close()
}

func (r *RedisRelay) subscribe(jobID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[jobID]++
	if r.refs[jobID] == 1 {
		if err := r.pubsub.Subscribe(context.Background(), eventChannelPrefix+jobID.String()); err != nil {
			logging.L().Warn("relay subscribe failed",
				zap.String("job_id", jobID.String()), zap.Error(err))
		}
	}
}

func (r *RedisRelay) unsubscribe(jobID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs[jobID] == 0 {
		return
	}
	r.refs[jobID]--
	if r.refs[jobID] == 0 {
		delete(r.refs, jobID)
		if err := r.pubsub.Unsubscribe(context.Background(), eventChannelPrefix+jobID.String()); err != nil {
			logging.L().Warn("relay unsubscribe failed",
				zap.String("job_id", jobID.String()), zap.Error(err))
		}
	}
}

// publish fans an already-serialized event out to other nodes.
func (r *RedisRelay) publish(jobID uuid.UUID, data []byte) {
	payload, err := json.Marshal(relayEnvelope{Node: r.nodeID, Data: data})
	if err != nil {
		return
	}
	if err := r.client.Publish(context.Background(), eventChannelPrefix+jobID.String(), payload).Err(); err != nil {
		logging.L().Warn("relay publish failed",
			zap.String("job_id", jobID.String()), zap.Error(err))
	}
}

// receiveLoop delivers other nodes' events to local subscribers.
func (r *RedisRelay) receiveLoop(ctx context.Context) {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			jobID, err := uuid.Parse(strings.TrimPrefix(msg.Channel, eventChannelPrefix))
			if err != nil {
				continue
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			if env.Node == r.nodeID {
				continue
			}
			if r.onMessage != nil {
				r.onMessage(jobID, env.Data)
			}
		}
	}
}
