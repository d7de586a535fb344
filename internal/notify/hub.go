package notify

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub broadcasts events to every connected websocket client.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	done      chan struct{}
	lock      sync.Mutex
	logger    *zap.Logger
}

// NewHub returns a hub with a small send buffer. Events are dropped when the buffer is full.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 64),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// Run writes queued messages until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return
		case message := <-h.broadcast:
			h.lock.Lock()
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.lock.Unlock()
		}
	}
}

// Notify queues the event without blocking.
func (h *Hub) Notify(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("序列化通知事件失败", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Debug("通知队列已满, 丢弃事件", zap.String("event", string(ev.Type)))
	}
}

// ServeHTTP upgrades the request and registers the client.
// The client is dropped as soon as a read fails, so disconnects do not wait for the next broadcast.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket 升级失败", zap.Error(err))
		return
	}
	h.lock.Lock()
	h.clients[conn] = true
	h.lock.Unlock()

	go func() {
		defer h.unregister(conn)
		for {
			// 客户端只读, 收到的消息直接丢弃, 读取出错即视为断开
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// unregister 关闭并移除客户端, Run 或 Close 已移除时不重复关闭
func (h *Hub) unregister(conn *websocket.Conn) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, ok := h.clients[conn]; !ok {
		return
	}
	delete(h.clients, conn)
	conn.Close()
	h.logger.Debug("WebSocket 客户端已断开", zap.String("remote", conn.RemoteAddr().String()))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// Close stops Run and disconnects every client.
func (h *Hub) Close() {
	close(h.done)
	h.lock.Lock()
	defer h.lock.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}
