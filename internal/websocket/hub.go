package websocket

import (
	"context"
	"sync"

	"github.com/Maquiado/queue-bot/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MessageInit   = "init"
	MessageQueue  = "queue"
	MessageCohort = "cohort"

	subscriberBuffer = 256
)

// Message 구독자에게 전달되는 메시지
type Message struct {
	Type    string      `json:"type"`    // 메시지 타입
	Payload interface{} `json:"payload"` // 메시지 내용

	// latest가 true면 Hub 루프가 보낼 때 snapshot으로 Payload를 채운다
	latest bool
}

// Subscriber SSE 스트림 또는 WebSocket 클라이언트
type Subscriber struct {
	id   string
	kind string
	send chan *Message
}

// ID 구독자 식별자
func (s *Subscriber) ID() string {
	return s.id
}

// Messages 수신 채널 (구독 해제 시 닫힌다)
func (s *Subscriber) Messages() <-chan *Message {
	return s.send
}

// Hub 큐 스냅샷 브로드캐스트
type Hub struct {
	subscribers map[string]*Subscriber
	mu          sync.RWMutex

	// 브로드캐스트 채널
	broadcast chan *Message

	// 등록/해제 채널
	register   chan *Subscriber
	unregister chan *Subscriber

	done      chan struct{}
	closeOnce sync.Once

	// 등록 시 init 메시지로 보낼 현재 상태
	snapshot func() interface{}

	allowedOrigins []string
	logger         *zap.Logger
}

// NewHub Hub 생성
func NewHub(snapshot func() interface{}, allowedOrigins []string, logger *zap.Logger) *Hub {
	return &Hub{
		subscribers:    make(map[string]*Subscriber),
		broadcast:      make(chan *Message, subscriberBuffer),
		register:       make(chan *Subscriber),
		unregister:     make(chan *Subscriber),
		done:           make(chan struct{}),
		snapshot:       snapshot,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
}

// Run Hub 실행 (ctx 취소 또는 Close 시 종료)
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return

		case <-h.done:
			return

		case sub := <-h.register:
			h.registerSubscriber(sub)

		case sub := <-h.unregister:
			h.unregisterSubscriber(sub)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Close 모든 구독자 정리
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}

// Subscribe 새 구독자 등록 (첫 메시지는 init 스냅샷)
// Hub가 이미 닫혔으면 nil
func (h *Hub) Subscribe(kind string) *Subscriber {
	sub := &Subscriber{
		id:   uuid.New().String(),
		kind: kind,
		send: make(chan *Message, subscriberBuffer),
	}

	select {
	case h.register <- sub:
		return sub
	case <-h.done:
		return nil
	}
}

// Unsubscribe 구독 해제
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Broadcast 모든 구독자에게 메시지 전송 (막히지 않음)
func (h *Hub) Broadcast(msgType string, payload interface{}) {
	select {
	case h.broadcast <- &Message{Type: msgType, Payload: payload}:
	default:
		h.logger.Warn("Broadcast queue full, message dropped", zap.String("type", msgType))
	}
}

// BroadcastSnapshot 현재 상태를 브로드캐스트 (Payload는 전송 시점에 계산)
// 등록과 같은 루프에서 계산하므로 init보다 오래된 상태가 뒤따르지 않는다
func (h *Hub) BroadcastSnapshot(msgType string) {
	if h.snapshot == nil {
		return
	}
	select {
	case h.broadcast <- &Message{Type: msgType, latest: true}:
	default:
		h.logger.Warn("Broadcast queue full, message dropped", zap.String("type", msgType))
	}
}

// SubscriberCount 현재 구독자 수
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// registerSubscriber 구독자 등록
func (h *Hub) registerSubscriber(sub *Subscriber) {
	if h.snapshot != nil {
		sub.send <- &Message{Type: MessageInit, Payload: h.snapshot()}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribers[sub.id] = sub
	metrics.BroadcastSubscribers.Set(float64(len(h.subscribers)))
	h.logger.Info("Subscriber registered",
		zap.String("subscriberId", sub.id),
		zap.String("kind", sub.kind),
		zap.Int("totalSubscribers", len(h.subscribers)))
}

// unregisterSubscriber 구독자 해제
func (h *Hub) unregisterSubscriber(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.subscribers[sub.id]; exists {
		delete(h.subscribers, sub.id)
		close(sub.send)
		metrics.BroadcastSubscribers.Set(float64(len(h.subscribers)))
		h.logger.Info("Subscriber unregistered",
			zap.String("subscriberId", sub.id),
			zap.String("kind", sub.kind),
			zap.Int("totalSubscribers", len(h.subscribers)))
	}
}

// broadcastMessage 메시지 브로드캐스트
func (h *Hub) broadcastMessage(message *Message) {
	if message.latest {
		message = &Message{Type: message.Type, Payload: h.snapshot()}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subscribers {
		select {
		case sub.send <- message:
		default:
			// 채널이 가득 찬 경우 연결 해제
			h.logger.Warn("Subscriber send channel full, unregistering",
				zap.String("subscriberId", id),
				zap.String("kind", sub.kind))
			delete(h.subscribers, id)
			close(sub.send)
			metrics.BroadcastDroppedTotal.Inc()
		}
	}
	metrics.BroadcastSubscribers.Set(float64(len(h.subscribers)))
}

func (h *Hub) closeAll() {
	h.Close()

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subscribers {
		delete(h.subscribers, id)
		close(sub.send)
	}
	metrics.BroadcastSubscribers.Set(0)
	h.logger.Info("Hub closed")
}
