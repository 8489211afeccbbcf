package cache

import "fmt"

// 键语义：
// - roomKey(docID):              房间的候选会话集合（Set<sessionId>）
// - sessionKey(docID,sessionID): 会话记录（String JSON，带 TTL，心跳续期）
// - cursorKey(docID,sessionID):  光标/选区 JSON（String，带 TTL，低延迟通道）
//
// TTL 是生死的唯一真相：会话键过期即会话过期。房间集合可能短暂残留
// 已过期的 sessionId，读取时过滤，后台 sweeper 定期清理。

const (
	keyRoomFmt    = "presence:room:%s"       // Set<sessionId>
	keySessionFmt = "presence:session:%s:%s" // String JSON with TTL
	keyCursorFmt  = "presence:cursor:%s:%s"  // String JSON with TTL
	keyRoomScan   = "presence:room:*"
)

func roomKey(docID string) string               { return fmt.Sprintf(keyRoomFmt, docID) }
func sessionKey(docID, sessionID string) string { return fmt.Sprintf(keySessionFmt, docID, sessionID) }
func cursorKey(docID, sessionID string) string  { return fmt.Sprintf(keyCursorFmt, docID, sessionID) }
