package ws

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"docsync/backend/internal/collab"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h   *Hub
	svc collab.Service
	sem *collab.SemaphoreControl
}

func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl) *Manager {
	return &Manager{h: h, svc: svc, sem: sem}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	// 会话标识由客户端带来（重连复用），首连由服务端生成
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	userID, _ := strconv.ParseUint(c.Query("userId"), 10, 64)
	username := c.Query("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	// defer：延迟至 return 处执行
	defer conn.Close()

	wsConn := NewConn(conn, m.h, sessionID, userID, username, m.svc, m.sem)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	// welcome 里回 sessionId，客户端存下来用于重连
	wsConn.send <- ServerMessage{Type: "welcome", SessionID: sessionID}

	// 进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())

	// 连接断开：先退房再关出站队列。别的提交方可能刚在锁外拿到
	// 房间快照，关早了会把广播打在已关闭的 channel 上。
	if wsConn.docID != "" {
		m.h.Leave(wsConn.docID, wsConn)
		if err := m.h.presence.Disconnect(c.Request.Context(), wsConn.docID, sessionID); err != nil {
			log.Printf("presence disconnect error: %v", err)
		}
	}
	wsConn.closeSend()
}
