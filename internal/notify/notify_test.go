package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, nil, b, NewLogNotifier(zap.NewNop()), Nop{}}
	m.Notify(Event{Type: OrderSubmitted, Market: "BTCUSDT", Message: "submitted"})

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	assert.Equal(t, OrderSubmitted, b.events[0].Type)
}

func TestHubBroadcastsToClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	hub.Notify(Event{Type: Liquidation, Market: "BTCUSDT", Message: "liquidated"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, Liquidation, got.Type)
	assert.Equal(t, "BTCUSDT", got.Market)
}

func TestHubDropsDisconnectedClient(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	// 没有任何广播, 断开也要及时移除
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebhookPostsEmbed(t *testing.T) {
	bodies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies <- string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, zap.NewNop())
	require.NotNil(t, wh)
	defer wh.Close()

	wh.Notify(Event{Type: StopLoss, Market: "ETHUSDT", Message: "stop-loss hit", Fields: map[string]interface{}{"equity": 1950.0}, Time: time.Now()})

	select {
	case body := <-bodies:
		assert.Contains(t, body, "stop-loss hit")
		assert.Contains(t, body, "ETHUSDT")
		assert.Contains(t, body, "1950")
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestNewWebhookDisabledWithoutURL(t *testing.T) {
	assert.Nil(t, NewWebhook("", zap.NewNop()))
}
