package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 会话过期（心跳超时）后又收到心跳：客户端需要重新 Connect。
// 只影响在线状态展示，不影响文档本身的正确性。
var ErrSessionExpired = errors.New("SESSION_EXPIRED")

// Session 是一条活跃编辑连接的在线状态记录。
type Session struct {
	SessionID        string          `json:"sessionId"`
	UserID           uint64          `json:"userId"`
	Username         string          `json:"username,omitempty"`
	DocID            string          `json:"docId"`
	LastSeenRevision uint64          `json:"lastSeenRevision"`
	Cursor           json.RawMessage `json:"cursor,omitempty"`
	ConnectedAt      time.Time       `json:"connectedAt"`
	LastHeartbeatAt  time.Time       `json:"lastHeartbeatAt"`
}

type PresenceCache interface {
	Connect(ctx context.Context, sess Session) error
	// Heartbeat 续期会话并顺带更新光标和已见版本。
	// 会话键已经过期时返回 ErrSessionExpired。
	Heartbeat(ctx context.Context, docID, sessionID string, cursor json.RawMessage, lastSeenRevision uint64) error
	Disconnect(ctx context.Context, docID, sessionID string) error
	// ListActive 只返回心跳键还活着的会话。
	ListActive(ctx context.Context, docID string) ([]Session, error)
	GetDocuments(ctx context.Context) ([]string, error)
	SetCursor(ctx context.Context, docID, sessionID string, jsonData []byte) error
	GetCursor(ctx context.Context, docID, sessionID string) ([]byte, error)
	// SweepExpired 把房间集合里心跳已过期的 sessionId 清理掉，
	// 返回清掉的数量。由后台 sweeper 周期调用。
	SweepExpired(ctx context.Context, docID string) (int, error)
}

// 基于 redis 的实现。rdb 用 UniversalClient，单机和集群都能接。
type redisPresence struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

const defaultSessionTTL = 30 * time.Second

func NewRedisPresence(rdb redis.UniversalClient, ttl time.Duration) PresenceCache {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &redisPresence{rdb: rdb, ttl: ttl}
}

func (p *redisPresence) Connect(ctx context.Context, sess Session) error {
	now := time.Now()
	if sess.ConnectedAt.IsZero() {
		sess.ConnectedAt = now
	}
	sess.LastHeartbeatAt = now

	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	pipe := p.rdb.Pipeline()
	pipe.SAdd(ctx, roomKey(sess.DocID), sess.SessionID)
	pipe.Set(ctx, sessionKey(sess.DocID, sess.SessionID), b, p.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (p *redisPresence) Heartbeat(ctx context.Context, docID, sessionID string, cursor json.RawMessage, lastSeenRevision uint64) error {
	key := sessionKey(docID, sessionID)
	raw, err := p.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrSessionExpired
	}
	if err != nil {
		return err
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return err
	}
	sess.LastHeartbeatAt = time.Now()
	if lastSeenRevision > sess.LastSeenRevision {
		sess.LastSeenRevision = lastSeenRevision
	}
	if cursor != nil {
		sess.Cursor = cursor
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	pipe := p.rdb.Pipeline()
	pipe.Set(ctx, key, b, p.ttl)
	if cursor != nil {
		pipe.Set(ctx, cursorKey(docID, sessionID), []byte(cursor), p.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (p *redisPresence) Disconnect(ctx context.Context, docID, sessionID string) error {
	pipe := p.rdb.Pipeline()
	pipe.SRem(ctx, roomKey(docID), sessionID)
	pipe.Del(ctx, sessionKey(docID, sessionID))
	pipe.Del(ctx, cursorKey(docID, sessionID))
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) ListActive(ctx context.Context, docID string) ([]Session, error) {
	ids, err := p.rdb.SMembers(ctx, roomKey(docID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// 批量取会话记录；Get 到 nil 的就是心跳已过期的残留成员
	cmds := make([]*redis.StringCmd, len(ids))
	pipe := p.rdb.Pipeline()
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, sessionKey(docID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]Session, 0, len(ids))
	for _, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	var documents []string
	iter := p.rdb.Scan(ctx, 0, keyRoomScan, 0).Iterator()
	for iter.Next(ctx) {
		documents = append(documents, strings.TrimPrefix(iter.Val(), "presence:room:"))
	}
	return documents, iter.Err()
}

func (p *redisPresence) SetCursor(ctx context.Context, docID, sessionID string, jsonData []byte) error {
	return p.rdb.Set(ctx, cursorKey(docID, sessionID), jsonData, p.ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID, sessionID string) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(docID, sessionID)).Bytes()
}

func (p *redisPresence) SweepExpired(ctx context.Context, docID string) (int, error) {
	ids, err := p.rdb.SMembers(ctx, roomKey(docID)).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	cmds := make([]*redis.IntCmd, len(ids))
	pipe := p.rdb.Pipeline()
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, sessionKey(docID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	var dead []any
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			dead = append(dead, ids[i])
		}
	}
	if len(dead) == 0 {
		return 0, nil
	}
	if err := p.rdb.SRem(ctx, roomKey(docID), dead...).Err(); err != nil {
		return 0, err
	}
	return len(dead), nil
}
