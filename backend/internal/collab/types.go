package collab

import (
	"time"

	"docsync/backend/internal/ot/delta"
)

// Operation 是客户端提交的一笔原子编辑，以客户端生成的 UUID 做幂等键。
// BaseRevision 是客户端编辑时看到的文档版本。
type Operation struct {
	ID           string      `json:"operationId"`
	DocID        string      `json:"docId"`
	SessionID    string      `json:"sessionId"` // 作者会话，同位插入的定序依据
	AuthorID     uint64      `json:"authorId"`
	BaseRevision uint64      `json:"baseRevision"`
	ClientSeq    uint64      `json:"clientSeq,omitempty"` // 同一会话内的本地递增序号，0 表示不启用
	Ops          delta.Delta `json:"ops"`
	SubmittedAt  time.Time   `json:"submittedAt,omitempty"`
}

// AcceptedOp 是冲突合并后的服务端权威形式，接受即不可变。
// Ops 是 rebase 过的载荷，恰好作用于 Revision-1 的文档。
type AcceptedOp struct {
	OperationID  string      `json:"operationId"`
	DocID        string      `json:"docId"`
	SessionID    string      `json:"sessionId"`
	AuthorID     uint64      `json:"authorId"`
	BaseRevision uint64      `json:"baseRevision"`
	Revision     uint64      `json:"revision"` // resulting revision，单调递增且不重复
	Ops          delta.Delta `json:"ops"`
	AppliedAt    time.Time   `json:"appliedAt"`
}

// BaseStatus 是版本校验的结果。Stale 不是错误：说明有并发操作先落地，
// 该提交要走合并路径而不是快速追加。
type BaseStatus struct {
	CurrentRevision uint64 `json:"currentRevision"`
	Stale           bool   `json:"stale"`
}
