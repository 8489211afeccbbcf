package store

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// DocumentModel 对应 documents 表，文档行的唯一属主。
type DocumentModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	OwnerID   uint64 `gorm:"index"`
	Title     string `gorm:"size:255;uniqueIndex"`
	CreatedAt int64  `gorm:"autoCreateTime"`
	UpdatedAt int64  `gorm:"autoUpdateTime"`
}

func (DocumentModel) TableName() string { return "documents" }

// OperationModel 对应 document_operations 表：append-only 操作日志。
// (document_id, revision) 唯一键就是 CAS 追加点；operation_id 唯一键
// 兜底跨进程的幂等。
type OperationModel struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID   string `gorm:"size:36;uniqueIndex:uk_doc_rev;index:idx_doc_opid,priority:1"`
	Revision     uint64 `gorm:"uniqueIndex:uk_doc_rev"`
	OperationID  string `gorm:"size:36;uniqueIndex"`
	SessionID    string `gorm:"size:64"`
	AuthorID     uint64
	BaseRevision uint64
	Ops          string `gorm:"type:mediumtext"` // delta JSON
	AppliedAt    int64
}

func (OperationModel) TableName() string { return "document_operations" }

// SnapshotModel 对应 document_snapshots 表：checkpoint 的物化内容。
type SnapshotModel struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"size:36;uniqueIndex:uk_doc_snap_rev"`
	Revision   uint64 `gorm:"uniqueIndex:uk_doc_snap_rev"`
	Content    string `gorm:"type:longtext"`
	CreatedAt  int64  `gorm:"autoCreateTime"`
}

func (SnapshotModel) TableName() string { return "document_snapshots" }

// InitMySQL 打开连接并迁移三张表。
func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DocumentModel{}, &OperationModel{}, &SnapshotModel{}); err != nil {
		return nil, err
	}
	return db, nil
}
