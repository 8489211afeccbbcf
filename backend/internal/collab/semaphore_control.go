package collab

import (
	"context"
	"errors"
)

// SemaphoreControl 基于带缓冲 channel 的计数信号量，
// 用来限制 ws 提交和 kafka 发送的并发量。
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(max int) *SemaphoreControl {
	if max <= 0 {
		max = 100
	}
	return &SemaphoreControl{ch: make(chan struct{}, max)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.New("semaphore acquire timed out")
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("semaphore released without acquire")
	}
}
