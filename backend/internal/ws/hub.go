package ws

import (
	"sync"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
)

type Hub struct {
	// 在线状态的外部存储句柄（Redis 实现）。Hub 本身不存会话，
	// 只存“本机有哪些连接订阅了哪个文档”。
	presence cache.PresenceCache
	// 读写锁，保护 rooms 这类 map 在并发下安全访问，
	// 加入/离开房间、广播时都会先加锁。
	mu sync.RWMutex
	// docID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		// 房间里存的是连接集合而不是 sessionID 集合：
		// 同一会话理论上只有一条连接，但重连窗口内新旧连接可能并存，广播要逐连接发。
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// members 在锁内拷一份房间成员。广播在锁外逐连接入队，
// 不能拿着活 map 迭代：Join/Leave 随时在改它。
func (h *Hub) members(docID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		conns = append(conns, c)
	}
	return conns
}

// BroadcastAcceptedOp 把一笔已接受操作推给房间内所有连接（含提交方，
// 提交方按 operationId 去重）。引擎在提交临界区内调用，入队即返回，
// 慢消费者直接丢消息、靠 catch_up 追平，绝不反压提交路径。
func (h *Hub) BroadcastAcceptedOp(op collab.AcceptedOp) {
	conns := h.members(op.DocID)
	msg := OpBroadcastMessage{
		Type:         "op_broadcast",
		DocID:        op.DocID,
		OperationID:  op.OperationID,
		Revision:     op.Revision,
		SessionID:    op.SessionID,
		AuthorID:     op.AuthorID,
		BaseRevision: op.BaseRevision,
		Ops:          op.Ops,
		AppliedAt:    op.AppliedAt,
	}
	for _, c := range conns {
		c.SendMessage_Enqueue(msg)
	}
}

func (h *Hub) BroadcastPresence(docID string, members []PresenceMember) {
	conns := h.members(docID)
	msg := ServerMessage{Type: "presence", DocID: docID, Members: members}
	for _, c := range conns {
		c.SendMessage_Enqueue(msg)
	}
}

func (h *Hub) BroadcastCursor(docID, sessionID string, cursor []byte) {
	conns := h.members(docID)
	msg := ServerMessage{Type: "cursor", DocID: docID, SessionID: sessionID, Cursor: cursor}
	for _, c := range conns {
		if c.sessionID == sessionID {
			continue // 光标不用回显给本人
		}
		c.SendMessage_Enqueue(msg)
	}
}
