package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/ot/delta"
)

// OpStore 是操作日志的 MySQL 实现。追加依赖 (document_id, revision)
// 唯一键：两个并发追加者只有一个能写进某个 revision，输家拿到
// REVISION_CONFLICT 回去重新合并。
type OpStore struct{ db *sql.DB }

func NewOpStore(db *sql.DB) *OpStore {
	return &OpStore{db: db}
}

const mysqlErrDuplicateEntry = 1062

func (s *OpStore) AppendOp(ctx context.Context, op collab.AcceptedOp) error {
	opsJSON, err := json.Marshal(op.Ops)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO document_operations
		 (document_id, revision, operation_id, session_id, author_id, base_revision, ops, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.DocID, op.Revision, op.OperationID, op.SessionID,
		op.AuthorID, op.BaseRevision, string(opsJSON), op.AppliedAt.Unix(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			return collab.ErrRevisionConflict
		}
		return err
	}
	return nil
}

func (s *OpStore) OpsSince(ctx context.Context, docID string, fromRevision uint64, limit int) ([]collab.AcceptedOp, error) {
	query := `SELECT document_id, revision, operation_id, session_id, author_id, base_revision, ops, applied_at
	          FROM document_operations
	          WHERE document_id = ? AND revision > ?
	          ORDER BY revision ASC`
	args := []any{docID, fromRevision}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []collab.AcceptedOp
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *OpStore) FindByOperationID(ctx context.Context, docID, operationID string) (collab.AcceptedOp, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT document_id, revision, operation_id, session_id, author_id, base_revision, ops, applied_at
		 FROM document_operations
		 WHERE document_id = ? AND operation_id = ?`,
		docID, operationID,
	)
	op, err := scanOp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return collab.AcceptedOp{}, false, nil
	}
	if err != nil {
		return collab.AcceptedOp{}, false, err
	}
	return op, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOp(r rowScanner) (collab.AcceptedOp, error) {
	var op collab.AcceptedOp
	var opsJSON string
	var appliedAt int64
	if err := r.Scan(&op.DocID, &op.Revision, &op.OperationID, &op.SessionID,
		&op.AuthorID, &op.BaseRevision, &opsJSON, &appliedAt); err != nil {
		return collab.AcceptedOp{}, err
	}
	var d delta.Delta
	if err := json.Unmarshal([]byte(opsJSON), &d); err != nil {
		return collab.AcceptedOp{}, fmt.Errorf("decode ops for rev %d: %w", op.Revision, err)
	}
	op.Ops = d
	op.AppliedAt = time.Unix(appliedAt, 0)
	return op, nil
}
