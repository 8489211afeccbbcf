package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"docsync/backend/internal/ot/delta"
)

// Service 是文档同步引擎对外的全部能力。
type Service interface {
	// Submit 接收一笔客户端操作：校验基准版本 -> 沿拦路操作 rebase ->
	// CAS 追加。重复的 operationId 幂等返回原来的结果。
	Submit(ctx context.Context, op Operation) (AcceptedOp, error)

	CurrentRevision(ctx context.Context, docID string) (uint64, error)
	ResolveBase(ctx context.Context, docID string, base uint64) (BaseStatus, error)

	// Snapshot 返回物化内容和对应版本，读到的是一致的时间点状态。
	Snapshot(ctx context.Context, docID string) (string, uint64, error)

	// OpsSince 按 resulting revision 升序返回 fromRevision 之后的已接受操作，
	// 用于断线重连后的追平。
	OpsSince(ctx context.Context, docID string, fromRevision uint64, limit int) ([]AcceptedOp, error)

	SaveSnapshot(ctx context.Context, docID string) error

	GetDocumentID(ctx context.Context, title string) (string, error)
	CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error)
}

// 快照存储接口，实现在 store 中
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, rev uint64, content string) error
	LoadLatestSnapshot(ctx context.Context, docID string) (content string, rev uint64, err error)
}

// 操作日志的持久化层。AppendOp 依赖 (document_id, revision) 唯一键，
// 撞键即并发追加冲突。
type OpStore interface {
	AppendOp(ctx context.Context, op AcceptedOp) error
	OpsSince(ctx context.Context, docID string, fromRevision uint64, limit int) ([]AcceptedOp, error)
	FindByOperationID(ctx context.Context, docID, operationID string) (AcceptedOp, bool, error)
}

type DocumentStore interface {
	GetDocumentID(ctx context.Context, title string) (string, error)
	CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error)
}

// Broadcaster 把已接受操作推给本机的活跃订阅者（ws hub 实现）。
// 在提交临界区内调用，保证每个订阅按 revision 有序收到。
type Broadcaster interface {
	BroadcastAcceptedOp(op AcceptedOp)
}

const (
	// 合并-追加竞争的有界重试，超出即 RESOLUTION_EXHAUSTED
	maxResolveAttempts = 5

	defaultRingCap         = 1024
	defaultCheckpointEvery = 100
)

// 单个文档的内存态。文档之间完全并行，同文档的提交串行在 mu 上，
// 临界区只做版本比较和追加。
type docState struct {
	mu       sync.RWMutex
	revision uint64
	buf      Buffer
	// 近期操作环形缓冲，覆盖不到的历史走 OpStore
	opsRing []AcceptedOp
	// 幂等窗口：ring 内操作的 operationId -> 结果
	byOpID map[string]AcceptedOp
	// 去重窗口：同一会话的 clientSeq 只允许递增
	lastSeqBySession map[string]uint64
	// 距上次 checkpoint 的操作数
	sinceCheckpoint int
}

type service struct {
	mu      sync.RWMutex
	docs    map[string]*docState
	ringCap int

	checkpointEvery int

	// 依赖注入，全部可为 nil（纯内存模式，测试用）
	snapshots   SnapshotStore
	ops         OpStore
	documents   DocumentStore
	broadcaster Broadcaster
	dispatcher  *KafkaDispatcher
}

type Options struct {
	RingCap         int
	CheckpointEvery int
	Snapshots       SnapshotStore
	Ops             OpStore
	Documents       DocumentStore
	Broadcaster     Broadcaster
	Dispatcher      *KafkaDispatcher
}

func NewService(opt Options) Service {
	if opt.RingCap <= 0 {
		opt.RingCap = defaultRingCap
	}
	if opt.CheckpointEvery <= 0 {
		opt.CheckpointEvery = defaultCheckpointEvery
	}
	return &service{
		docs:            make(map[string]*docState),
		ringCap:         opt.RingCap,
		checkpointEvery: opt.CheckpointEvery,
		snapshots:       opt.Snapshots,
		ops:             opt.Ops,
		documents:       opt.Documents,
		broadcaster:     opt.Broadcaster,
		dispatcher:      opt.Dispatcher,
	}
}

// getOrLoadDoc 取文档内存态，未加载时从快照+操作日志水合。
func (s *service) getOrLoadDoc(ctx context.Context, docID string) (*docState, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds != nil {
		return ds, nil
	}

	content, rev := "", uint64(0)
	if s.snapshots != nil {
		c, r, err := s.snapshots.LoadLatestSnapshot(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("%w: load snapshot: %v", ErrStorageUnavailable, err)
		}
		content, rev = c, r
	}

	ds = &docState{
		revision:         rev,
		buf:              NewPieceTable(content),
		opsRing:          make([]AcceptedOp, 0, s.ringCap),
		byOpID:           make(map[string]AcceptedOp),
		lastSeqBySession: make(map[string]uint64),
	}

	// 快照之后的尾部操作重放进缓冲区
	if s.ops != nil {
		tail, err := s.ops.OpsSince(ctx, docID, rev, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: replay tail: %v", ErrStorageUnavailable, err)
		}
		for _, op := range tail {
			if err := ds.buf.Apply(op.Ops); err != nil {
				return nil, fmt.Errorf("replay op rev=%d: %w", op.Revision, err)
			}
			ds.revision = op.Revision
			ds.pushRing(op, s.ringCap)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.docs[docID]; existing != nil {
		return existing, nil
	}
	s.docs[docID] = ds
	return ds, nil
}

func (s *service) Submit(ctx context.Context, op Operation) (AcceptedOp, error) {
	if op.DocID == "" || len(op.Ops) == 0 {
		return AcceptedOp{}, ErrInvalidOperation
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.SubmittedAt.IsZero() {
		op.SubmittedAt = time.Now()
	}

	ds, err := s.getOrLoadDoc(ctx, op.DocID)
	if err != nil {
		return AcceptedOp{}, err
	}

	// 幂等窗口之外的重复提交（比如进程重启后的网络重试）查操作日志兜底。
	// 查不了就明确报错：吞掉会把跨重启的幂等退化成只剩内存窗口。
	if s.ops != nil {
		prev, ok, err := s.ops.FindByOperationID(ctx, op.DocID, op.ID)
		if err != nil {
			return AcceptedOp{}, fmt.Errorf("%w: find by operation id: %v", ErrStorageUnavailable, err)
		}
		if ok {
			return prev, nil
		}
	}

	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		// 乐观读：拿当前版本和错过的操作，transform 在锁外做
		ds.mu.RLock()
		if prev, ok := ds.byOpID[op.ID]; ok {
			ds.mu.RUnlock()
			return prev, nil
		}
		current := ds.revision
		if _, err := resolveBase(current, op.BaseRevision); err != nil {
			ds.mu.RUnlock()
			return AcceptedOp{}, err
		}
		intervening, covered := ds.ringSince(op.BaseRevision)
		ds.mu.RUnlock()

		if !covered {
			// 基准太老，ring 覆盖不到，从操作日志补齐
			if s.ops == nil {
				return AcceptedOp{}, fmt.Errorf("%w: base revision %d out of ring window",
					ErrResolutionExhausted, op.BaseRevision)
			}
			stored, err := s.ops.OpsSince(ctx, op.DocID, op.BaseRevision, 0)
			if err != nil {
				return AcceptedOp{}, fmt.Errorf("%w: read intervening: %v", ErrStorageUnavailable, err)
			}
			intervening = trimAfter(stored, current)
		}

		transformed := op.Ops
		for _, ahead := range intervening {
			// 同位插入：会话号小的排前（确定性的任意定序，免二次往返）
			transformed = delta.Transform(transformed, ahead.Ops, ahead.SessionID < op.SessionID)
		}

		acc, err := s.commit(ctx, ds, op, current, transformed)
		if errors.Is(err, ErrRevisionConflict) {
			// 有别的操作在 transform 期间落地，换新版本重新合并
			continue
		}
		if err != nil {
			return AcceptedOp{}, err
		}

		// kafka 异步镜像在临界区外入队；跨节点送达本就是尽力而为
		if s.dispatcher != nil {
			if err := s.dispatcher.Enqueue(ctx, NewDocOpEvent(acc)); err != nil {
				log.Printf("dispatch op event failed doc=%s op=%s: %v", acc.DocID, acc.OperationID, err)
			}
		}
		return acc, nil
	}
	return AcceptedOp{}, ErrResolutionExhausted
}

// commit 是唯一的同步点：版本不动则追加成立，否则
// REVISION_CONFLICT 交还给上层重试。临界区内只做校验、
// 持久化追加和广播入队，transform 等重活都在外面。
func (s *service) commit(ctx context.Context, ds *docState, op Operation, expected uint64, transformed delta.Delta) (AcceptedOp, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if prev, ok := ds.byOpID[op.ID]; ok {
		return prev, nil
	}
	if ds.revision != expected {
		return AcceptedOp{}, ErrRevisionConflict
	}
	if op.SessionID != "" && op.ClientSeq > 0 {
		if last := ds.lastSeqBySession[op.SessionID]; op.ClientSeq <= last {
			return AcceptedOp{}, ErrDuplicateOrOutOfOrder
		}
	}
	if transformed.BaseLen() > ds.buf.Len() {
		return AcceptedOp{}, fmt.Errorf("%w: delta base %d exceeds document length %d",
			ErrInvalidOperation, transformed.BaseLen(), ds.buf.Len())
	}

	acc := AcceptedOp{
		OperationID:  op.ID,
		DocID:        op.DocID,
		SessionID:    op.SessionID,
		AuthorID:     op.AuthorID,
		BaseRevision: op.BaseRevision,
		Revision:     expected + 1,
		Ops:          transformed,
		AppliedAt:    time.Now(),
	}

	// 先落盘再生效：操作一旦确认就必须可重放，存储不可用时明确报错
	if s.ops != nil {
		if err := s.ops.AppendOp(ctx, acc); err != nil {
			if errors.Is(err, ErrRevisionConflict) {
				return AcceptedOp{}, ErrRevisionConflict
			}
			return AcceptedOp{}, fmt.Errorf("%w: append op: %v", ErrStorageUnavailable, err)
		}
	}

	if err := ds.buf.Apply(transformed); err != nil {
		return AcceptedOp{}, err
	}
	ds.revision = acc.Revision
	ds.pushRing(acc, s.ringCap)
	if op.SessionID != "" && op.ClientSeq > 0 {
		ds.lastSeqBySession[op.SessionID] = op.ClientSeq
	}

	// 广播在临界区内入队（只是有界 channel 推送），保证订阅端按版本有序
	if s.broadcaster != nil {
		s.broadcaster.BroadcastAcceptedOp(acc)
	}

	ds.sinceCheckpoint++
	if s.snapshots != nil && ds.sinceCheckpoint >= s.checkpointEvery {
		ds.sinceCheckpoint = 0
		content, rev := ds.buf.String(), ds.revision
		// checkpoint 是纯优化，异步做，失败只记日志
		go func() {
			if err := s.snapshots.SaveDocumentSnapshot(context.Background(), op.DocID, rev, content); err != nil {
				log.Printf("checkpoint failed doc=%s rev=%d: %v", op.DocID, rev, err)
			}
		}()
	}
	return acc, nil
}

func (s *service) CurrentRevision(ctx context.Context, docID string) (uint64, error) {
	ds, err := s.getOrLoadDoc(ctx, docID)
	if err != nil {
		return 0, err
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.revision, nil
}

func (s *service) ResolveBase(ctx context.Context, docID string, base uint64) (BaseStatus, error) {
	current, err := s.CurrentRevision(ctx, docID)
	if err != nil {
		return BaseStatus{}, err
	}
	return resolveBase(current, base)
}

func (s *service) Snapshot(ctx context.Context, docID string) (string, uint64, error) {
	ds, err := s.getOrLoadDoc(ctx, docID)
	if err != nil {
		return "", 0, err
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.buf.String(), ds.revision, nil
}

func (s *service) OpsSince(ctx context.Context, docID string, fromRevision uint64, limit int) ([]AcceptedOp, error) {
	ds, err := s.getOrLoadDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	ds.mu.RLock()
	out, covered := ds.ringSince(fromRevision)
	ds.mu.RUnlock()
	if covered {
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	}
	if s.ops == nil {
		return nil, ErrResolutionExhausted
	}
	return s.ops.OpsSince(ctx, docID, fromRevision, limit)
}

func (s *service) SaveSnapshot(ctx context.Context, docID string) error {
	if s.snapshots == nil {
		return errors.New("snapshot store not initialized")
	}
	content, rev, err := s.Snapshot(ctx, docID)
	if err != nil {
		return err
	}
	return s.snapshots.SaveDocumentSnapshot(ctx, docID, rev, content)
}

func (s *service) GetDocumentID(ctx context.Context, title string) (string, error) {
	if s.documents == nil {
		return "", errors.New("document store not initialized")
	}
	return s.documents.GetDocumentID(ctx, title)
}

func (s *service) CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error) {
	if s.documents == nil {
		return "", errors.New("document store not initialized")
	}
	return s.documents.CreateDocument(ctx, ownerID, title)
}

// ringSince 返回 fromRevision 之后的 ring 内操作。
// 第二个返回值为 false 表示 ring 不覆盖该区间，需要查存储。
func (ds *docState) ringSince(fromRevision uint64) ([]AcceptedOp, bool) {
	if fromRevision >= ds.revision {
		return nil, true
	}
	if len(ds.opsRing) == 0 || ds.opsRing[0].Revision > fromRevision+1 {
		return nil, false
	}
	var out []AcceptedOp
	for _, op := range ds.opsRing {
		if op.Revision > fromRevision {
			out = append(out, op)
		}
	}
	return out, true
}

// pushRing 追加到环形缓冲，满了淘汰最老的一条，幂等窗口同步收缩。
func (ds *docState) pushRing(op AcceptedOp, ringCap int) {
	if len(ds.opsRing) >= ringCap {
		evicted := ds.opsRing[0]
		copy(ds.opsRing, ds.opsRing[1:])
		ds.opsRing = ds.opsRing[:len(ds.opsRing)-1]
		delete(ds.byOpID, evicted.OperationID)
	}
	ds.opsRing = append(ds.opsRing, op)
	ds.byOpID[op.OperationID] = op
}

func trimAfter(ops []AcceptedOp, current uint64) []AcceptedOp {
	out := ops[:0:0]
	for _, op := range ops {
		if op.Revision <= current {
			out = append(out, op)
		}
	}
	return out
}
