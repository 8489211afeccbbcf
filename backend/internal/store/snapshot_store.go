package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveDocumentSnapshot 写一个 checkpoint。同 (docID, rev) 的重复写
// 直接吞掉：checkpoint 幂等，谁先写进去都一样。
func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, rev uint64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, revision, content)
		 VALUES (?, ?, ?)`,
		docID, rev, content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			return nil
		}
		return err
	}
	return nil
}

// LoadLatestSnapshot 取最近一个 checkpoint；没有则返回空文档 rev=0，
// 调用方从操作日志整体重放。
func (s *SnapshotStore) LoadLatestSnapshot(ctx context.Context, docID string) (string, uint64, error) {
	var content string
	var rev uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT content, revision FROM document_snapshots
		 WHERE document_id = ?
		 ORDER BY revision DESC LIMIT 1`,
		docID,
	).Scan(&content, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return content, rev, nil
}
