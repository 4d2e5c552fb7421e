package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	creditdomain "github.com/lernova/credits/internal/credit/domain"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const balanceChannel = "credits:balance"

// RedisBridge relays committed balance records between processes over
// a Redis pub/sub channel. Within one process the hub alone is enough;
// the bridge exists so watchers in other processes observe mutations
// too, which is the only cross-process consistency the meter promises.
type RedisBridge struct {
	client *redis.Client
	hub    *Hub
	log    *zap.Logger
	// origin discriminates our own publications from remote ones so a
	// broadcast is never injected back into the hub that produced it.
	origin string
	cancel context.CancelFunc
	done   chan struct{}
}

type bridgeEnvelope struct {
	Origin  string                     `json:"origin"`
	Account creditdomain.CreditAccount `json:"account"`
}

// NewRedisBridge wires the bridge to the hub. Returns nil when client
// is nil; the hub then stays purely in-process.
func NewRedisBridge(client *redis.Client, hub *Hub, log *zap.Logger) *RedisBridge {
	if client == nil {
		return nil
	}
	b := &RedisBridge{
		client: client,
		hub:    hub,
		log:    log.Named("credit.bridge"),
		origin: uuid.NewString(),
	}
	hub.SetRelay(b)
	return b
}

// Broadcast publishes a locally committed record. Failures are logged
// and dropped: the local hub already delivered the update, and remote
// processes fall back to their store reads.
func (b *RedisBridge) Broadcast(ctx context.Context, account creditdomain.CreditAccount) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(bridgeEnvelope{Origin: b.origin, Account: account})
	if err != nil {
		b.log.Warn("failed to encode balance broadcast", zap.Error(err))
		return
	}
	if err := b.client.Publish(ctx, balanceChannel, payload).Err(); err != nil {
		b.log.Warn("failed to broadcast balance change",
			zap.String("user_id", account.UserID),
			zap.Error(err),
		)
	}
}

// Start consumes remote broadcasts until Stop.
func (b *RedisBridge) Start() {
	if b == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})

	pubsub := b.client.Subscribe(ctx, balanceChannel)
	go func() {
		defer close(b.done)
		defer func() { _ = pubsub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					if ctx.Err() == nil {
						// Connection lost, not a shutdown: watchers
						// must reconnect.
						b.log.Warn("balance broadcast channel closed")
						b.hub.FailAll(creditdomain.StoreError(errors.New("balance broadcast channel closed")))
					}
					return
				}
				b.handle(msg.Payload)
			}
		}
	}()
}

// Stop tears the consumer down and waits for it to drain.
func (b *RedisBridge) Stop() {
	if b == nil || b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

func (b *RedisBridge) handle(payload string) {
	var envelope bridgeEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		b.log.Warn("dropping malformed balance broadcast", zap.Error(err))
		return
	}
	if envelope.Origin == b.origin || strings.TrimSpace(envelope.Account.UserID) == "" {
		return
	}
	b.hub.Inject(envelope.Account)
}
