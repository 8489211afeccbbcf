package syncqueue

import (
	"context"
	"errors"
	"log"
	"time"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/ot/delta"
)

const (
	defaultBaseBackoff = 1 * time.Second
	defaultMaxBackoff  = 60 * time.Second
	defaultMaxAttempts = 5
)

// Submitter 把一笔操作交给服务端（HTTP 或 ws 均可），返回服务端的权威形式
type Submitter func(ctx context.Context, op collab.Operation) (collab.AcceptedOp, error)

// Conflict 描述一次需要告知用户的冲突：操作没有按原样生效。
// Accepted 非零值时操作改形后仍被接受（rebase 改了载荷），
// 否则 Err 记录服务端的拒绝原因。
type Conflict struct {
	Op       collab.Operation
	Accepted collab.AcceptedOp
	Err      error
}

// Drainer 在网络恢复后按入队顺序排空本地队列。
// 可重试的失败让队首原地退避，挡住后面的项（乱序上行会破坏 FIFO 语义）；
// 终态失败的项被移出队列，不再阻塞后续排空。
type Drainer struct {
	queue  *Queue
	submit Submitter
	// 冲突通知回调，nil 时只打日志
	onConflict func(Conflict)

	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxAttempts int
}

type DrainerOptions struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	OnConflict  func(Conflict)
}

func NewDrainer(queue *Queue, submit Submitter, opt DrainerOptions) *Drainer {
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = defaultBaseBackoff
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = defaultMaxBackoff
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = defaultMaxAttempts
	}
	return &Drainer{
		queue:       queue,
		submit:      submit,
		onConflict:  opt.OnConflict,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		maxAttempts: opt.MaxAttempts,
	}
}

// retryable 判断错误是否值得退避重试。网络/存储类的瞬时故障重试，
// 服务端明确拒绝的语义错误不重试。
func retryable(err error) bool {
	switch {
	case errors.Is(err, collab.ErrInvalidBaseRevision),
		errors.Is(err, collab.ErrDuplicateOrOutOfOrder),
		errors.Is(err, collab.ErrInvalidOperation),
		errors.Is(err, collab.ErrDocumentNotFound):
		return false
	default:
		// STORAGE_UNAVAILABLE、RESOLUTION_EXHAUSTED、超时、连接错误
		return true
	}
}

func (d *Drainer) notifyConflict(c Conflict) {
	if d.onConflict != nil {
		d.onConflict(c)
		return
	}
	if c.Err != nil {
		log.Printf("sync conflict doc=%s op=%s: rejected: %v", c.Op.DocID, c.Op.ID, c.Err)
	} else {
		log.Printf("sync conflict doc=%s op=%s: accepted after rebase at rev %d",
			c.Op.DocID, c.Op.ID, c.Accepted.Revision)
	}
}

// Drain 排空队列直到空、遇到终态失败或 ctx 取消。
// 每一项：置 in_flight -> 上行 -> 成功即删，可重试错误退避后重来，
// 不可重试错误进终态并通知冲突。
func (d *Drainer) Drain(ctx context.Context) error {
	if err := d.queue.recoverInFlight(); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := d.queue.Head()
		if err != nil {
			return err
		}
		if item == nil {
			return nil // 排空了
		}
		if err := d.queue.markInFlight(item.Seq); err != nil {
			return err
		}

		acc, err := d.submit(ctx, item.Op)
		if err == nil {
			// 服务端把载荷 rebase 改形了也算冲突，告知用户但操作已生效
			if !delta.Equal(item.Op.Ops, acc.Ops) {
				d.notifyConflict(Conflict{Op: item.Op, Accepted: acc})
			}
			if err := d.queue.ack(item.Seq); err != nil {
				return err
			}
			continue
		}

		if !retryable(err) {
			d.notifyConflict(Conflict{Op: item.Op, Err: err})
			if err := d.queue.markFailed(item.Seq); err != nil {
				return err
			}
			continue
		}

		if item.RetryCount+1 >= d.maxAttempts {
			d.notifyConflict(Conflict{Op: item.Op, Err: err})
			if err := d.queue.markFailed(item.Seq); err != nil {
				return err
			}
			continue
		}
		if err := d.queue.markRetry(item.Seq); err != nil {
			return err
		}
		// 指数退避：1s、2s、4s…封顶 60s
		backoff := d.baseBackoff << uint(item.RetryCount)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run 常驻排空：队列空了就歇一个 interval 再看
func (d *Drainer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := d.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sync queue drain error: %v", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
