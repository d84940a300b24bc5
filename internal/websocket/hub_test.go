package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startHub(t *testing.T, snapshot func() interface{}) (*Hub, context.CancelFunc) {
	t.Helper()

	hub := NewHub(snapshot, []string{"*"}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func receive(t *testing.T, sub *Subscriber) *Message {
	t.Helper()

	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscriber channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestHub_InitThenBroadcast(t *testing.T) {
	hub, _ := startHub(t, func() interface{} { return "snapshot" })

	sub := hub.Subscribe("sse")
	require.NotNil(t, sub)

	init := receive(t, sub)
	assert.Equal(t, MessageInit, init.Type)
	assert.Equal(t, "snapshot", init.Payload)

	hub.Broadcast(MessageQueue, 42)
	msg := receive(t, sub)
	assert.Equal(t, MessageQueue, msg.Type)
	assert.Equal(t, 42, msg.Payload)
}

func TestHub_BroadcastSnapshotNeverOlderThanInit(t *testing.T) {
	var version int64 = 1
	hub := NewHub(func() interface{} { return atomic.LoadInt64(&version) }, []string{"*"}, zap.NewNop())

	// 루프 시작 전에 변경 알림이 쌓이고 그 사이 상태가 바뀐 상황
	hub.BroadcastSnapshot(MessageQueue)
	atomic.StoreInt64(&version, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	sub := hub.Subscribe("sse")
	require.NotNil(t, sub)

	init := receive(t, sub)
	assert.Equal(t, MessageInit, init.Type)
	assert.Equal(t, int64(2), init.Payload)

	// init 뒤에 오는 queue 메시지가 있다면 init보다 오래되면 안 된다
	select {
	case msg := <-sub.Messages():
		assert.Equal(t, MessageQueue, msg.Type)
		assert.Equal(t, int64(2), msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}

	atomic.StoreInt64(&version, 3)
	hub.BroadcastSnapshot(MessageQueue)
	msg := receive(t, sub)
	assert.Equal(t, MessageQueue, msg.Type)
	assert.Equal(t, int64(3), msg.Payload)
}

func TestHub_Unsubscribe(t *testing.T) {
	hub, _ := startHub(t, nil)

	sub := hub.Subscribe("sse")
	require.NotNil(t, sub)
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Unsubscribe(sub)
	require.Eventually(t, func() bool { return hub.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-sub.Messages()
	assert.False(t, ok)
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	hub, _ := startHub(t, nil)

	slow := hub.Subscribe("sse")
	require.NotNil(t, slow)

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Broadcast(MessageQueue, i)
		// 브로드캐스트 큐 자체가 넘치지 않도록 조금씩 흘려보낸다
		if i%64 == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}

	require.Eventually(t, func() bool { return hub.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_CloseTearsDownSubscribers(t *testing.T) {
	hub, _ := startHub(t, nil)

	sub := hub.Subscribe("ws")
	require.NotNil(t, sub)

	hub.Close()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Messages():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	assert.Nil(t, hub.Subscribe("ws"))
}

func TestServeWs(t *testing.T) {
	hub, _ := startHub(t, func() interface{} { return []string{"a"} })

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string   `json:"type"`
		Payload []string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, MessageInit, msg.Type)
	assert.Equal(t, []string{"a"}, msg.Payload)

	hub.Broadcast(MessageQueue, []string{"b"})
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, MessageQueue, msg.Type)
	assert.Equal(t, []string{"b"}, msg.Payload)
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(nil, []string{"https://app.example.com"}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, hub.checkOrigin(req))

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, hub.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, hub.checkOrigin(req))
}
