package ws

import (
	"encoding/json"
	"time"

	"docsync/backend/internal/ot/delta"
)

type ClientMessage struct {
	Type             string          `json:"type"`
	DocID            string          `json:"docId"`
	DocTitle         string          `json:"docTitle"`
	OperationID      string          `json:"operationId"`
	BaseRevision     uint64          `json:"baseRevision"`
	ClientSeq        uint64          `json:"clientSeq"`
	Ops              delta.Delta     `json:"ops"`
	Cursor           json.RawMessage `json:"cursor,omitempty"`
	LastSeenRevision uint64          `json:"lastSeenRevision,omitempty"`
	FromRevision     uint64          `json:"fromRevision,omitempty"`
	Content          string          `json:"content,omitempty"`
}

type PresenceMember struct {
	SessionID string          `json:"sessionId"`
	UserID    uint64          `json:"userId"`
	Username  string          `json:"username,omitempty"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
}

type ServerMessage struct {
	Type      string           `json:"type"`
	SessionID string           `json:"sessionId,omitempty"`
	DocID     string           `json:"docId,omitempty"`
	Revision  uint64           `json:"revision,omitempty"`
	Members   []PresenceMember `json:"members,omitempty"`
	Cursor    json.RawMessage  `json:"cursor,omitempty"`
	Content   string           `json:"content,omitempty"`
}

// 提交确认，只回给提交方。Ops 是服务端 rebase 之后的权威形式，
// 客户端据此把本地未确认队列对齐。
type OpAckMessage struct {
	Type            string      `json:"type"` // 固定 "op_ack"
	DocID           string      `json:"docId"`
	OperationID     string      `json:"operationId"`
	BaseRevision    uint64      `json:"baseRevision"`
	CurrentRevision uint64      `json:"currentRevision"`
	ClientSeq       uint64      `json:"clientSeq,omitempty"`
	Ops             delta.Delta `json:"ops"`
}

// 广播给同文档房间内所有连接的“已接受操作”事件
// - 提交方也会收到，按 operationId 与自己的 op_ack 去重
// - 收到后在本地应用 ops，并把本地 revision 对齐到 revision
type OpBroadcastMessage struct {
	Type         string      `json:"type"` // 固定 "op_broadcast"
	DocID        string      `json:"docId"`
	OperationID  string      `json:"operationId"`
	Revision     uint64      `json:"revision"` // 服务端接受后的最新版本
	SessionID    string      `json:"sessionId"`
	AuthorID     uint64      `json:"authorId"`
	BaseRevision uint64      `json:"baseRevision"`
	Ops          delta.Delta `json:"ops"`
	AppliedAt    time.Time   `json:"appliedAt,omitempty"`
}

// 断线追平的回放批次，Ops 按 revision 升序
type CatchUpMessage struct {
	Type            string               `json:"type"` // 固定 "catch_up"
	DocID           string               `json:"docId"`
	FromRevision    uint64               `json:"fromRevision"`
	CurrentRevision uint64               `json:"currentRevision"`
	Ops             []OpBroadcastMessage `json:"ops"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // 固定 "error"
	Code    string `json:"code,omitempty"`
	Content string `json:"content,omitempty"`
}
