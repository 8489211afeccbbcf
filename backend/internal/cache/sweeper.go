package cache

import (
	"context"
	"log"
	"time"
)

// Sweeper 周期性扫描所有房间，把心跳过期的残留会话清出集合。
// 断网的客户端不会发 disconnect，只能靠超时判死；过期但未清扫的
// 成员是允许的、有界时长的不一致。
type Sweeper struct {
	presence PresenceCache
	interval time.Duration
}

func NewSweeper(p PresenceCache, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{presence: p, interval: interval}
}

// Run 阻塞运行直到 ctx 取消，调用方用 goroutine 启动。
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	docs, err := s.presence.GetDocuments(ctx)
	if err != nil {
		log.Printf("presence sweep: list documents: %v", err)
		return
	}
	for _, docID := range docs {
		n, err := s.presence.SweepExpired(ctx, docID)
		if err != nil {
			log.Printf("presence sweep doc=%s: %v", docID, err)
			continue
		}
		if n > 0 {
			log.Printf("presence sweep doc=%s removed %d expired sessions", docID, n)
		}
	}
}
