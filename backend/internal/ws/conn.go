package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"

	"github.com/gorilla/websocket"
)

type Conn struct {
	ws        *websocket.Conn
	hub       *Hub
	docID     string
	sessionID string
	userID    uint64
	username  string
	// chan 是 Go 的“通道”（channel），goroutine 之间通信的队列。
	// send 是本连接的出站队列，writeLoop 持续消费。
	send chan OutboundMessage
	// 关闭保护：广播方（别的提交路径）和本连接的退出路径并发触达 send，
	// 不能从读循环侧裸 close。
	sendMu     sync.Mutex
	sendClosed bool
	// 协作引擎服务
	svc collab.Service
	// 信号量控制，限制同时在 transform/提交路径上的请求数
	sem *collab.SemaphoreControl
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

// 隐式实现 OutboundMessage 接口
func (m ServerMessage) MessageType() string      { return m.Type }
func (m OpAckMessage) MessageType() string       { return m.Type }
func (m OpBroadcastMessage) MessageType() string { return m.Type }
func (m CatchUpMessage) MessageType() string     { return m.Type }
func (m ErrorMessage) MessageType() string       { return m.Type }

func NewConn(ws *websocket.Conn, hub *Hub, sessionID string, userID uint64, username string, svc collab.Service, sem *collab.SemaphoreControl) *Conn {
	return &Conn{ws: ws, hub: hub, sessionID: sessionID, userID: userID, username: username, send: make(chan OutboundMessage, 32), svc: svc, sem: sem}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		// 连接已经在收尾，迟到的广播直接丢弃
		return
	}
	// select 同时评估所有 case 的通道操作，都不就绪时走 default
	select {
	case c.send <- msg:
	default:
		// 队列满了就丢弃，慢消费者靠 catch_up 追平
	}
}

// closeSend 关闭出站队列，让 writeLoop 退出。之后打进来的广播
// 按已关闭丢弃，不会 panic。
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// errorCode 把引擎的哨兵错误翻译成发给客户端的错误码
func errorCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrInvalidBaseRevision):
		return "INVALID_BASE_REVISION"
	case errors.Is(err, collab.ErrResolutionExhausted):
		return "RESOLUTION_EXHAUSTED"
	case errors.Is(err, collab.ErrStorageUnavailable):
		return "STORAGE_UNAVAILABLE"
	case errors.Is(err, collab.ErrDuplicateOrOutOfOrder):
		return "DUPLICATE_OR_OUT_OF_ORDER"
	case errors.Is(err, collab.ErrDocumentNotFound):
		return "DOCUMENT_NOT_FOUND"
	case errors.Is(err, collab.ErrInvalidOperation):
		return "INVALID_OPERATION"
	default:
		return "INTERNAL"
	}
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: "BUSY", Content: err.Error()})
		return
	}
	defer c.sem.Release()

	acc, err := c.svc.Submit(submitCtx, collab.Operation{
		ID:           msg.OperationID,
		DocID:        msg.DocID,
		SessionID:    c.sessionID,
		AuthorID:     c.userID,
		BaseRevision: msg.BaseRevision,
		ClientSeq:    msg.ClientSeq,
		Ops:          msg.Ops,
	})
	if err != nil {
		c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: errorCode(err), Content: err.Error()})
		return
	}
	// 房间广播由引擎走 Hub.BroadcastAcceptedOp，这里只回 ack 给提交方
	c.SendMessage_Enqueue(OpAckMessage{
		Type:            "op_ack",
		DocID:           acc.DocID,
		OperationID:     acc.OperationID,
		BaseRevision:    acc.BaseRevision,
		CurrentRevision: acc.Revision,
		ClientSeq:       msg.ClientSeq,
		Ops:             acc.Ops,
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		var clientMessage ClientMessage
		if err := c.ws.ReadJSON(&clientMessage); err != nil {
			log.Printf("read json error (session=%s, doc=%s): %v", c.sessionID, c.docID, err)
			return
		}
		switch clientMessage.Type {
		case "heartbeat":
			err := c.hub.presence.Heartbeat(ctx, c.docID, c.sessionID, clientMessage.Cursor, clientMessage.LastSeenRevision)
			if errors.Is(err, cache.ErrSessionExpired) {
				// 心跳超时后会话键已失效，通知客户端走重连流程
				c.send <- ErrorMessage{Type: "error", Code: "SESSION_EXPIRED", Content: "session expired, reconnect"}
				return
			}
			if err != nil {
				log.Printf("heartbeat error: %v", err)
				continue
			}
			c.send <- ServerMessage{Type: "feedback", Content: "Heartbeat received"}

		case "create_document":
			docID, err := c.svc.CreateDocument(ctx, c.userID, clientMessage.DocTitle)
			if err != nil {
				log.Printf("create document error: %v", err)
				c.send <- ErrorMessage{Type: "error", Code: "CREATE_DOC_FAILED", Content: err.Error()}
				continue
			}
			c.send <- ServerMessage{Type: "create_document", DocID: docID}

		case "join_document":
			docID := clientMessage.DocID
			if docID == "" && clientMessage.DocTitle != "" {
				id, err := c.svc.GetDocumentID(ctx, clientMessage.DocTitle)
				if err != nil {
					c.send <- ErrorMessage{Type: "error", Code: errorCode(err), Content: err.Error()}
					continue
				}
				docID = id
			}
			if docID == "" {
				c.send <- ErrorMessage{Type: "error", Code: "INVALID_OPERATION", Content: "missing docId"}
				continue
			}
			// 允许动态切换房间：先离开旧房间再加入新房间
			if c.docID != "" && c.docID != docID {
				c.hub.Leave(c.docID, c)
				_ = c.hub.presence.Disconnect(ctx, c.docID, c.sessionID)
			}
			c.docID = docID
			c.hub.Join(c.docID, c)
			if err := c.hub.presence.Connect(ctx, cache.Session{
				SessionID: c.sessionID,
				UserID:    c.userID,
				Username:  c.username,
				DocID:     c.docID,
			}); err != nil {
				log.Printf("presence connect error: %v", err)
			}
			// 加入即下发物化内容和版本，客户端以此为编辑基准
			content, revision, err := c.svc.Snapshot(ctx, c.docID)
			if err != nil {
				c.send <- ErrorMessage{Type: "error", Code: errorCode(err), Content: err.Error()}
				continue
			}
			c.send <- ServerMessage{Type: "join_document", DocID: c.docID, Revision: revision, Content: content}
			c.notifyPresence(ctx)

		case "op_submit":
			c.handleOpSubmit(ctx, clientMessage)

		case "cursor":
			if err := c.hub.presence.SetCursor(ctx, c.docID, c.sessionID, clientMessage.Cursor); err != nil {
				log.Printf("set cursor error: %v", err)
				continue
			}
			c.hub.BroadcastCursor(c.docID, c.sessionID, clientMessage.Cursor)

		case "catch_up":
			// 断线重连后的追平：按 revision 升序回放 fromRevision 之后的操作
			ops, err := c.svc.OpsSince(ctx, c.docID, clientMessage.FromRevision, 0)
			if err != nil {
				c.send <- ErrorMessage{Type: "error", Code: errorCode(err), Content: err.Error()}
				continue
			}
			batch := make([]OpBroadcastMessage, len(ops))
			for i, op := range ops {
				batch[i] = OpBroadcastMessage{
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
			}
			current, _ := c.svc.CurrentRevision(ctx, c.docID)
			c.send <- CatchUpMessage{Type: "catch_up", DocID: c.docID, FromRevision: clientMessage.FromRevision, CurrentRevision: current, Ops: batch}

		case "show_alive_members":
			c.notifyPresence(ctx)

		case "save_document":
			if err := c.svc.SaveSnapshot(ctx, clientMessage.DocID); err != nil {
				log.Printf("save document error: %v", err)
				c.send <- ServerMessage{Type: "save_document", Content: "Document " + clientMessage.DocID + " save failed"}
				continue
			}
			c.send <- ServerMessage{Type: "save_document", Content: "Document " + clientMessage.DocID + " saved"}

		default:
			// 忽略未知类型，回一条提示
			c.send <- ServerMessage{Type: "ignored", Content: "Unknown message type"}
		}
	}
}

// notifyPresence 查活跃会话并广播给房间（变动通知 + 手动查询共用）
func (c *Conn) notifyPresence(ctx context.Context) {
	sessions, err := c.hub.presence.ListActive(ctx, c.docID)
	if err != nil {
		log.Printf("list active sessions error: %v", err)
		return
	}
	members := make([]PresenceMember, len(sessions))
	for i, s := range sessions {
		members[i] = PresenceMember{SessionID: s.SessionID, UserID: s.UserID, Username: s.Username, Cursor: s.Cursor}
	}
	c.hub.BroadcastPresence(c.docID, members)
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的出站消息
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
