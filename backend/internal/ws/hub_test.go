package ws

import (
	"sync"
	"testing"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/ot/delta"
)

func testConn(sessionID string, buf int) *Conn {
	return &Conn{sessionID: sessionID, send: make(chan OutboundMessage, buf)}
}

func acceptedOp(docID string, rev uint64) collab.AcceptedOp {
	return collab.AcceptedOp{
		OperationID: "op-" + docID,
		DocID:       docID,
		SessionID:   "sess-a",
		Revision:    rev,
		Ops:         delta.Delta{{Kind: delta.KindInsert, Text: "x"}},
	}
}

func TestHub_BroadcastOnlyReachesRoom(t *testing.T) {
	h := NewHub(nil)
	inRoom := testConn("sess-1", 4)
	elsewhere := testConn("sess-2", 4)
	h.Join("doc-1", inRoom)
	h.Join("doc-2", elsewhere)

	h.BroadcastAcceptedOp(acceptedOp("doc-1", 3))

	select {
	case msg := <-inRoom.send:
		b, ok := msg.(OpBroadcastMessage)
		if !ok {
			t.Fatalf("got %T, want OpBroadcastMessage", msg)
		}
		if b.DocID != "doc-1" || b.Revision != 3 {
			t.Fatalf("broadcast = %+v, want doc-1 rev 3", b)
		}
	default:
		t.Fatal("room member got no broadcast")
	}
	select {
	case msg := <-elsewhere.send:
		t.Fatalf("other room received %+v", msg)
	default:
	}
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	h := NewHub(nil)
	c := testConn("sess-1", 4)
	h.Join("doc-1", c)
	h.Leave("doc-1", c)

	h.BroadcastAcceptedOp(acceptedOp("doc-1", 1))

	select {
	case msg := <-c.send:
		t.Fatalf("left connection received %+v", msg)
	default:
	}
}

func TestHub_BroadcastPreservesRevisionOrder(t *testing.T) {
	h := NewHub(nil)
	c := testConn("sess-1", 8)
	h.Join("doc-1", c)

	for rev := uint64(1); rev <= 5; rev++ {
		h.BroadcastAcceptedOp(acceptedOp("doc-1", rev))
	}

	for want := uint64(1); want <= 5; want++ {
		msg := <-c.send
		b := msg.(OpBroadcastMessage)
		if b.Revision != want {
			t.Fatalf("delivery order broken: got rev %d, want %d", b.Revision, want)
		}
	}
}

func TestHub_SlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(nil)
	c := testConn("sess-1", 2)
	h.Join("doc-1", c)

	// 队列容量 2，发 5 条不能卡住广播方
	for rev := uint64(1); rev <= 5; rev++ {
		h.BroadcastAcceptedOp(acceptedOp("doc-1", rev))
	}
	if got := len(c.send); got != 2 {
		t.Fatalf("queued = %d, want 2 (rest dropped)", got)
	}
}

func TestHub_LateBroadcastToClosedConnIsDropped(t *testing.T) {
	h := NewHub(nil)
	c := testConn("sess-1", 4)
	h.Join("doc-1", c)

	// 退出路径和广播的竞争窗口：队列已关但连接还没退房，
	// 此刻的广播必须被丢弃而不是 panic
	c.closeSend()
	h.BroadcastAcceptedOp(acceptedOp("doc-1", 1))
	h.BroadcastPresence("doc-1", nil)
	h.BroadcastCursor("doc-1", "sess-2", []byte(`{"index":1}`))

	if msg, ok := <-c.send; ok {
		t.Fatalf("closed connection received %+v", msg)
	}
}

func TestHub_CloseDuringBroadcastStorm(t *testing.T) {
	h := NewHub(nil)
	c := testConn("sess-1", 1)
	h.Join("doc-1", c)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rev := uint64(1); rev <= 200; rev++ {
				h.BroadcastAcceptedOp(acceptedOp("doc-1", rev))
			}
		}()
	}
	h.Leave("doc-1", c)
	c.closeSend()
	wg.Wait()
}

func TestHub_CursorNotEchoedToSender(t *testing.T) {
	h := NewHub(nil)
	author := testConn("sess-1", 4)
	peer := testConn("sess-2", 4)
	h.Join("doc-1", author)
	h.Join("doc-1", peer)

	h.BroadcastCursor("doc-1", "sess-1", []byte(`{"index":3}`))

	if len(author.send) != 0 {
		t.Fatal("cursor echoed back to its author")
	}
	if len(peer.send) != 1 {
		t.Fatalf("peer queued = %d, want 1", len(peer.send))
	}
}
