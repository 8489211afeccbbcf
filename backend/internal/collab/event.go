package collab

import (
	"time"

	"docsync/backend/internal/ot/delta"
)

// DocOpEvent 是发往 doc-ops 主题的跨节点镜像事件，按 docId 做分区键，
// 同文档的事件落在同一分区保持有序。
type DocOpEvent struct {
	EventType    string      `json:"eventType"` // 固定 "OP_ACCEPTED"
	DocID        string      `json:"docId"`
	OperationID  string      `json:"operationId"`
	Revision     uint64      `json:"revision"`
	AuthorID     uint64      `json:"authorId"`
	SessionID    string      `json:"sessionId"`
	BaseRevision uint64      `json:"baseRevision"`
	Ops          delta.Delta `json:"ops"`
	AppliedAt    time.Time   `json:"appliedAt"`
}

func NewDocOpEvent(op AcceptedOp) DocOpEvent {
	return DocOpEvent{
		EventType:    "OP_ACCEPTED",
		DocID:        op.DocID,
		OperationID:  op.OperationID,
		Revision:     op.Revision,
		AuthorID:     op.AuthorID,
		SessionID:    op.SessionID,
		BaseRevision: op.BaseRevision,
		Ops:          op.Ops,
		AppliedAt:    op.AppliedAt,
	}
}
