package syncqueue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"docsync/backend/internal/collab"
)

// 队列项的状态机：pending -> in_flight -> （成功删除 | 回到 pending 等退避 | failed）
// failed 是终态，不再自动重试，留给用户手工处理。
const (
	StatusPending  = "pending"
	StatusInFlight = "in_flight"
	StatusFailed   = "failed"
)

// QueuedOp 是落在本地 SQLite 里的一笔待上行操作
type QueuedOp struct {
	Seq           int64
	DocID         string
	Op            collab.Operation
	RetryCount    int
	Status        string
	CreatedAt     time.Time
	LastAttemptAt time.Time
}

// Queue 是客户端的离线操作队列。编辑先落队列再尝试上行，
// 断网期间队列只涨不丢，恢复后按入队顺序排空。
type Queue struct {
	db *sql.DB
}

func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sync queue: %w", err)
	}
	q := &Queue{db: db}
	if err := q.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sync queue tables: %w", err)
	}
	return q, nil
}

func (q *Queue) Close() error { return q.db.Close() }

func (q *Queue) initTables() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL,
			last_attempted_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);
		CREATE INDEX IF NOT EXISTS idx_sync_queue_doc ON sync_queue(document_id);
	`)
	return err
}

// Enqueue 把一笔操作追加到队尾。operationId 客户端此刻就生成好，
// 之后无论重放多少次都带同一个 id。
func (q *Queue) Enqueue(op collab.Operation) error {
	if op.ID == "" {
		return fmt.Errorf("enqueue: operation id required")
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("enqueue: marshal operation: %w", err)
	}
	_, err = q.db.Exec(`
		INSERT INTO sync_queue (document_id, operation, retry_count, status, created_at)
		VALUES (?, ?, 0, ?, ?)
	`, op.DocID, string(payload), StatusPending, time.Now())
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Head 取队首的 pending 项（FIFO：最小的 id）
func (q *Queue) Head() (*QueuedOp, error) {
	row := q.db.QueryRow(`
		SELECT id, document_id, operation, retry_count, status, created_at, last_attempted_at
		FROM sync_queue
		WHERE status = ?
		ORDER BY id ASC
		LIMIT 1
	`, StatusPending)
	return scanQueued(row)
}

func scanQueued(row *sql.Row) (*QueuedOp, error) {
	var item QueuedOp
	var payload string
	// 直接取裸列再在 Go 里做 COALESCE：SQLite 表达式列没有声明类型，
	// 驱动不会把 COALESCE(...) 转成 time.Time
	var lastAttempt sql.NullTime
	err := row.Scan(&item.Seq, &item.DocID, &payload, &item.RetryCount, &item.Status, &item.CreatedAt, &lastAttempt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue head: %w", err)
	}
	if lastAttempt.Valid {
		item.LastAttemptAt = lastAttempt.Time
	} else {
		item.LastAttemptAt = item.CreatedAt
	}
	if err := json.Unmarshal([]byte(payload), &item.Op); err != nil {
		return nil, fmt.Errorf("decode queued operation: %w", err)
	}
	return &item, nil
}

func (q *Queue) markInFlight(seq int64) error {
	_, err := q.db.Exec(`UPDATE sync_queue SET status = ?, last_attempted_at = ? WHERE id = ?`,
		StatusInFlight, time.Now(), seq)
	return err
}

// markRetry 把失败项放回 pending 并记一次重试
func (q *Queue) markRetry(seq int64) error {
	_, err := q.db.Exec(`UPDATE sync_queue SET status = ?, retry_count = retry_count + 1 WHERE id = ?`,
		StatusPending, seq)
	return err
}

func (q *Queue) markFailed(seq int64) error {
	_, err := q.db.Exec(`UPDATE sync_queue SET status = ?, retry_count = retry_count + 1 WHERE id = ?`,
		StatusFailed, seq)
	return err
}

// ack 删除已被服务端接受的项
func (q *Queue) ack(seq int64) error {
	_, err := q.db.Exec(`DELETE FROM sync_queue WHERE id = ?`, seq)
	return err
}

// PendingCount 统计还没排空的项（pending + in_flight）
func (q *Queue) PendingCount() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM sync_queue WHERE status IN (?, ?)`,
		StatusPending, StatusInFlight).Scan(&n)
	return n, err
}

// Failed 列出进了终态的项，给用户界面展示用
func (q *Queue) Failed() ([]QueuedOp, error) {
	rows, err := q.db.Query(`
		SELECT id, document_id, operation, retry_count, status, created_at, last_attempted_at
		FROM sync_queue
		WHERE status = ?
		ORDER BY id ASC
	`, StatusFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuedOp
	for rows.Next() {
		var item QueuedOp
		var payload string
		var lastAttempt sql.NullTime
		if err := rows.Scan(&item.Seq, &item.DocID, &payload, &item.RetryCount, &item.Status, &item.CreatedAt, &lastAttempt); err != nil {
			return nil, err
		}
		if lastAttempt.Valid {
			item.LastAttemptAt = lastAttempt.Time
		} else {
			item.LastAttemptAt = item.CreatedAt
		}
		if err := json.Unmarshal([]byte(payload), &item.Op); err != nil {
			return nil, fmt.Errorf("decode queued operation: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// recoverInFlight 把上次进程退出时卡在 in_flight 的项放回 pending。
// 服务端按 operationId 幂等，重放不会重复生效。
func (q *Queue) recoverInFlight() error {
	_, err := q.db.Exec(`UPDATE sync_queue SET status = ? WHERE status = ?`,
		StatusPending, StatusInFlight)
	return err
}
