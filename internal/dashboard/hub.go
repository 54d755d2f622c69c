package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var hubLog = logrus.WithField("component", "dashboard_hub")

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 面板默认只绑 localhost，放开 origin 检查
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hub WS 客户端集合与广播。慢客户端直接踢掉，不让面板拖住引擎。
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*wsClient]struct{})}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast 把事件发给所有客户端。发送缓冲满的客户端视为掉队，断开。
func (h *hub) broadcast(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		hubLog.Warnf("⚠️ 事件序列化失败: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// serve 升级连接并接管读写，直到客户端断开或 ctx 取消。
func (h *hub) serve(ctx context.Context, w http.ResponseWriter, r *http.Request, initial Event) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hubLog.Warnf("⚠️ WS 升级失败: %v", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 64)}
	if data, err := json.Marshal(initial); err == nil {
		c.send <- data
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	hubLog.Infof("📡 面板客户端接入（共 %d 个）", n)

	go c.writePump(ctx)
	c.readPump()

	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// closeAll 关掉所有客户端连接（服务停止时）。
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
}

func (c *wsClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readPump 只消费 pong 和关闭帧，面板是只读的。
func (c *wsClient) readPump() {
	defer func() { _ = c.conn.Close() }()
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
