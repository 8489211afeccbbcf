package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/syncqueue"
)

// 离线客户端：编辑先进本地 SQLite 队列，网络可用时按序排空到服务端。
// operationId 入队时就定下来，断网重放多少次服务端都只生效一次。

var (
	serverURL string
	queuePath string
	sessionID string
)

var rootCmd = &cobra.Command{
	Use:           "collab_client",
	Short:         "文档协作的离线客户端，本地队列 + 按序上行",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if sessionID != "" {
			return nil
		}
		id, err := loadOrCreateSessionID(queuePath)
		if err != nil {
			return fmt.Errorf("session id: %w", err)
		}
		sessionID = id
		fmt.Fprintf(os.Stderr, "session: %s\n", sessionID)
		return nil
	},
}

// loadOrCreateSessionID 把会话标识固化在队列文件旁边复用。
// 多次调用属于同一个编辑会话：sessionId 变了，clientSeq 去重和
// 同位插入的定序就都乱了。
func loadOrCreateSessionID(queuePath string) (string, error) {
	path := queuePath + ".session"
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <docID>",
	Short: "把一笔编辑追加进本地同步队列",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pos, _ := cmd.Flags().GetInt("at")
		text, _ := cmd.Flags().GetString("insert")
		deleteN, _ := cmd.Flags().GetInt("delete")
		base, _ := cmd.Flags().GetUint64("base-revision")
		seq, _ := cmd.Flags().GetUint64("client-seq")
		opsJSON, _ := cmd.Flags().GetString("ops")

		var ops delta.Delta
		if opsJSON != "" {
			if err := json.Unmarshal([]byte(opsJSON), &ops); err != nil {
				return fmt.Errorf("parse --ops: %w", err)
			}
		} else {
			if pos > 0 {
				ops = append(ops, delta.Op{Kind: delta.KindRetain, Count: pos})
			}
			if text != "" {
				ops = append(ops, delta.Op{Kind: delta.KindInsert, Text: text})
			}
			if deleteN > 0 {
				ops = append(ops, delta.Op{Kind: delta.KindDelete, Count: deleteN})
			}
		}
		if len(ops) == 0 {
			return errors.New("nothing to enqueue: pass --insert/--delete or --ops")
		}

		q, err := syncqueue.Open(queuePath)
		if err != nil {
			return err
		}
		defer q.Close()

		op := collab.Operation{
			ID:           uuid.NewString(),
			DocID:        args[0],
			SessionID:    sessionID,
			BaseRevision: base,
			ClientSeq:    seq,
			Ops:          ops,
		}
		if err := q.Enqueue(op); err != nil {
			return err
		}
		fmt.Printf("queued %s (doc=%s base=%d)\n", op.ID, op.DocID, op.BaseRevision)
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "把队列里的操作按入队顺序上行到服务端",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := syncqueue.Open(queuePath)
		if err != nil {
			return err
		}
		defer q.Close()

		d := syncqueue.NewDrainer(q, httpSubmit, syncqueue.DrainerOptions{
			OnConflict: printConflict,
		})
		if err := d.Drain(cmd.Context()); err != nil {
			return err
		}
		n, err := q.PendingCount()
		if err != nil {
			return err
		}
		fmt.Printf("drain done, pending=%d\n", n)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "常驻排空：队列一有积压就尝试上行",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := syncqueue.Open(queuePath)
		if err != nil {
			return err
		}
		defer q.Close()

		d := syncqueue.NewDrainer(q, httpSubmit, syncqueue.DrainerOptions{
			OnConflict: printConflict,
		})
		log.Printf("watching queue %s -> %s", queuePath, serverURL)
		d.Run(cmd.Context(), 2*time.Second)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看队列积压和终态失败的项",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := syncqueue.Open(queuePath)
		if err != nil {
			return err
		}
		defer q.Close()

		pending, err := q.PendingCount()
		if err != nil {
			return err
		}
		failed, err := q.Failed()
		if err != nil {
			return err
		}
		fmt.Printf("pending: %d\nfailed: %d\n", pending, len(failed))
		for _, item := range failed {
			fmt.Printf("  %s doc=%s retries=%d queued_at=%s\n",
				item.Op.ID, item.DocID, item.RetryCount, item.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <docID>",
	Short: "拉取文档的物化内容和当前版本",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(fmt.Sprintf("%s/collab/documents/%s/snapshot", serverURL, args[0]))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
		}
		fmt.Println(string(body))
		return nil
	},
}

// httpSubmit 走服务端的同步队列排空通道提交一笔操作
func httpSubmit(ctx context.Context, op collab.Operation) (collab.AcceptedOp, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return collab.AcceptedOp{}, err
	}
	url := fmt.Sprintf("%s/collab/documents/%s/ops", serverURL, op.DocID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return collab.AcceptedOp{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		// 网络错误：可重试，退避后重来
		return collab.AcceptedOp{}, fmt.Errorf("submit %s: %w", op.ID, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return collab.AcceptedOp{}, err
	}

	if resp.StatusCode == http.StatusOK {
		var acc collab.AcceptedOp
		if err := json.Unmarshal(body, &acc); err != nil {
			return collab.AcceptedOp{}, err
		}
		return acc, nil
	}

	// 服务端的错误码还原成引擎哨兵，Drainer 按此决定是否重试
	var e struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	_ = json.Unmarshal(body, &e)
	switch e.Error {
	case "INVALID_BASE_REVISION":
		return collab.AcceptedOp{}, fmt.Errorf("%w: %s", collab.ErrInvalidBaseRevision, e.Detail)
	case "DUPLICATE_OR_OUT_OF_ORDER":
		return collab.AcceptedOp{}, fmt.Errorf("%w: %s", collab.ErrDuplicateOrOutOfOrder, e.Detail)
	case "INVALID_OPERATION":
		return collab.AcceptedOp{}, fmt.Errorf("%w: %s", collab.ErrInvalidOperation, e.Detail)
	case "DOCUMENT_NOT_FOUND":
		return collab.AcceptedOp{}, fmt.Errorf("%w: %s", collab.ErrDocumentNotFound, e.Detail)
	case "RESOLUTION_EXHAUSTED":
		return collab.AcceptedOp{}, fmt.Errorf("%w: %s", collab.ErrResolutionExhausted, e.Detail)
	default:
		return collab.AcceptedOp{}, fmt.Errorf("%w: http %d: %s", collab.ErrStorageUnavailable, resp.StatusCode, body)
	}
}

func printConflict(c syncqueue.Conflict) {
	if c.Err != nil {
		fmt.Fprintf(os.Stderr, "conflict: %s rejected: %v\n", c.Op.ID, c.Err)
		return
	}
	fmt.Fprintf(os.Stderr, "conflict: %s accepted after rebase at revision %d\n",
		c.Op.ID, c.Accepted.Revision)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8082", "协作服务地址")
	rootCmd.PersistentFlags().StringVar(&queuePath, "queue", "sync.db", "本地队列的 SQLite 文件")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "", "会话标识（默认生成一次，存在队列文件旁并打印，跨调用复用）")

	enqueueCmd.Flags().Int("at", 0, "编辑位置（rune 偏移）")
	enqueueCmd.Flags().String("insert", "", "插入的文本")
	enqueueCmd.Flags().Int("delete", 0, "删除的 rune 数")
	enqueueCmd.Flags().Uint64("base-revision", 0, "编辑时看到的文档版本")
	enqueueCmd.Flags().Uint64("client-seq", 0, "会话内的本地递增序号")
	enqueueCmd.Flags().String("ops", "", "完整的 delta JSON（覆盖 --at/--insert/--delete）")

	rootCmd.AddCommand(enqueueCmd, drainCmd, watchCmd, statusCmd, snapshotCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
