package distributed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChangeFeed Redis Pub/Sub 기반 변경 알림 채널
type ChangeFeed struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewChangeFeed ChangeFeed 생성
func NewChangeFeed(client *redis.Client, channel string, logger *zap.Logger) *ChangeFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeFeed{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// Publish 변경 이벤트 발행
func (f *ChangeFeed) Publish(ctx context.Context, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishTx 트랜잭션 파이프라인에 발행 명령 추가 (EXEC 성공 시에만 발행됨)
func (f *ChangeFeed) PublishTx(ctx context.Context, pipe redis.Pipeliner, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	pipe.Publish(ctx, f.channel, data)
	return nil
}

// Subscribe 구독 시작. 구독이 확인된 뒤에 반환하므로 이후 발행된 이벤트는 빠지지 않는다
// ctx가 취소되면 채널이 닫힌다
func (f *ChangeFeed) Subscribe(ctx context.Context) (<-chan []byte, error) {
	pubsub := f.client.Subscribe(ctx, f.channel)

	// 구독 확인
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	f.logger.Debug("Change feed subscribed", zap.String("channel", f.channel))

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg == nil {
					continue
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
