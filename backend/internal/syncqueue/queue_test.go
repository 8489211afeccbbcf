package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/ot/delta"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func queuedOp(id string, seq uint64, text string) collab.Operation {
	return collab.Operation{
		ID:        id,
		DocID:     "doc-1",
		SessionID: "sess-a",
		ClientSeq: seq,
		Ops:       delta.Delta{{Kind: delta.KindInsert, Text: text}},
	}
}

func TestQueue_FIFOOrder(t *testing.T) {
	q := testQueue(t)
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(queuedOp(fmt.Sprintf("op-%d", i), uint64(i+1), "x")); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var drained []string
	submit := func(ctx context.Context, op collab.Operation) (collab.AcceptedOp, error) {
		drained = append(drained, op.ID)
		return collab.AcceptedOp{OperationID: op.ID, Ops: op.Ops}, nil
	}
	d := NewDrainer(q, submit, DrainerOptions{})
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	want := []string{"op-0", "op-1", "op-2"}
	if len(drained) != len(want) {
		t.Fatalf("drained %d ops, want %d", len(drained), len(want))
	}
	for i := range want {
		if drained[i] != want[i] {
			t.Fatalf("drain order[%d] = %s, want %s", i, drained[i], want[i])
		}
	}
	if n, _ := q.PendingCount(); n != 0 {
		t.Fatalf("pending after drain = %d, want 0", n)
	}
}

func TestQueue_EnqueueRequiresOperationID(t *testing.T) {
	q := testQueue(t)
	op := queuedOp("", 1, "x")
	if err := q.Enqueue(op); err == nil {
		t.Fatal("enqueue without operation id should fail")
	}
}

func TestDrain_RetryThenSuccess(t *testing.T) {
	q := testQueue(t)
	if err := q.Enqueue(queuedOp("op-1", 1, "x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	calls := 0
	submit := func(ctx context.Context, op collab.Operation) (collab.AcceptedOp, error) {
		calls++
		if calls < 3 {
			return collab.AcceptedOp{}, collab.ErrStorageUnavailable
		}
		return collab.AcceptedOp{OperationID: op.ID, Ops: op.Ops}, nil
	}
	d := NewDrainer(q, submit, DrainerOptions{BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if calls != 3 {
		t.Fatalf("submit calls = %d, want 3", calls)
	}
	if n, _ := q.PendingCount(); n != 0 {
		t.Fatalf("pending after drain = %d, want 0", n)
	}
}

func TestDrain_ExhaustedAttemptsGoTerminal(t *testing.T) {
	q := testQueue(t)
	if err := q.Enqueue(queuedOp("op-1", 1, "x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var conflicts []Conflict
	calls := 0
	submit := func(ctx context.Context, op collab.Operation) (collab.AcceptedOp, error) {
		calls++
		return collab.AcceptedOp{}, collab.ErrStorageUnavailable
	}
	d := NewDrainer(q, submit, DrainerOptions{
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		MaxAttempts: 3,
		OnConflict:  func(c Conflict) { conflicts = append(conflicts, c) },
	})
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if calls != 3 {
		t.Fatalf("submit calls = %d, want 3", calls)
	}
	failed, err := q.Failed()
	if err != nil {
		t.Fatalf("failed list: %v", err)
	}
	if len(failed) != 1 || failed[0].Op.ID != "op-1" {
		t.Fatalf("failed = %+v, want one terminal entry for op-1", failed)
	}
	if len(conflicts) != 1 || !errors.Is(conflicts[0].Err, collab.ErrStorageUnavailable) {
		t.Fatalf("conflicts = %+v, want one with storage error", conflicts)
	}
}

func TestDrain_NonRetryableFailsImmediatelyAndUnblocksQueue(t *testing.T) {
	q := testQueue(t)
	if err := q.Enqueue(queuedOp("op-bad", 1, "x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(queuedOp("op-good", 2, "y")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var conflicts []Conflict
	submit := func(ctx context.Context, op collab.Operation) (collab.AcceptedOp, error) {
		if op.ID == "op-bad" {
			return collab.AcceptedOp{}, collab.ErrInvalidBaseRevision
		}
		return collab.AcceptedOp{OperationID: op.ID, Ops: op.Ops}, nil
	}
	d := NewDrainer(q, submit, DrainerOptions{OnConflict: func(c Conflict) { conflicts = append(conflicts, c) }})
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(conflicts) != 1 || conflicts[0].Op.ID != "op-bad" {
		t.Fatalf("conflicts = %+v, want one for op-bad", conflicts)
	}
	failed, _ := q.Failed()
	if len(failed) != 1 || failed[0].Op.ID != "op-bad" {
		t.Fatalf("failed = %+v, want op-bad terminal", failed)
	}
	if n, _ := q.PendingCount(); n != 0 {
		t.Fatalf("op-good should have drained past the terminal failure, pending = %d", n)
	}
}

func TestDrain_RebasedAcceptanceNotifiesConflict(t *testing.T) {
	q := testQueue(t)
	op := queuedOp("op-1", 1, "abc")
	if err := q.Enqueue(op); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var conflicts []Conflict
	submit := func(ctx context.Context, op collab.Operation) (collab.AcceptedOp, error) {
		// 服务端 rebase 改了载荷：插入点被并发操作往后推了
		rebased := delta.Delta{{Kind: delta.KindRetain, Count: 5}, {Kind: delta.KindInsert, Text: "abc"}}
		return collab.AcceptedOp{OperationID: op.ID, Revision: 7, Ops: rebased}, nil
	}
	d := NewDrainer(q, submit, DrainerOptions{OnConflict: func(c Conflict) { conflicts = append(conflicts, c) }})
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	if conflicts[0].Err != nil {
		t.Fatalf("rebased acceptance should carry no error, got %v", conflicts[0].Err)
	}
	if conflicts[0].Accepted.Revision != 7 {
		t.Fatalf("accepted revision = %d, want 7", conflicts[0].Accepted.Revision)
	}
	if n, _ := q.PendingCount(); n != 0 {
		t.Fatalf("accepted op should be removed from queue, pending = %d", n)
	}
}

func TestQueue_RecoverInFlightOnReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.db")
	q, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := q.Enqueue(queuedOp("op-1", 1, "x")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, err := q.Head()
	if err != nil || item == nil {
		t.Fatalf("head: %v %v", item, err)
	}
	// 模拟进程在上行途中崩溃
	if err := q.markInFlight(item.Seq); err != nil {
		t.Fatalf("mark in flight: %v", err)
	}
	q.Close()

	q2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	drained := 0
	submit := func(ctx context.Context, op collab.Operation) (collab.AcceptedOp, error) {
		drained++
		return collab.AcceptedOp{OperationID: op.ID, Ops: op.Ops}, nil
	}
	d := NewDrainer(q2, submit, DrainerOptions{})
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if drained != 1 {
		t.Fatalf("drained = %d, want the recovered in-flight op", drained)
	}
}
