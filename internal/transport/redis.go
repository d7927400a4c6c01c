// Package transport bridges OTA protocol messages between the orchestrator
// and the edge gateways devices are connected to. The gateways own the
// authenticated device links; this side only moves envelopes through Redis
// channels, one outbound channel per node and a shared inbound channel.
package transport

import (
	"context"
	"fmt"

	"github.com/halcyon-iot/halcyon/pkg/config"
	"github.com/halcyon-iot/halcyon/pkg/protocol"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	outboundPrefix = "ota:outbound:"
	inboundChannel = "ota:inbound"
)

// RedisTransport implements ota.Transport over Redis pub/sub
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport connects a transport bridge to Redis
func NewRedisTransport(cfg *config.RedisConfig) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisTransport{client: client}, nil
}

// Send publishes one envelope on the node's outbound channel
func (t *RedisTransport) Send(ctx context.Context, nodeID string, msg *protocol.Envelope) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	if err := t.client.Publish(ctx, outboundPrefix+nodeID, data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Listen subscribes to the inbound channel and feeds decoded envelopes to the
// handler until the context is cancelled. Malformed payloads are logged and
// dropped.
func (t *RedisTransport) Listen(ctx context.Context, handler func(ctx context.Context, msg *protocol.Envelope)) error {
	sub := t.client.Subscribe(ctx, inboundChannel)
	defer sub.Close()

	ch := sub.Channel()
	log.Info().Str("channel", inboundChannel).Msg("listening for inbound device messages")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return fmt.Errorf("inbound subscription closed")
			}
			env, err := protocol.Unmarshal([]byte(raw.Payload))
			if err != nil {
				log.Warn().Err(err).Msg("dropping undecodable inbound message")
				continue
			}
			handler(ctx, env)
		}
	}
}

// Close releases the Redis connection
func (t *RedisTransport) Close() error {
	return t.client.Close()
}
