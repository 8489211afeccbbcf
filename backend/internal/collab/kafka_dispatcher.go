package collab

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/IBM/sarama"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
//   - 不阻塞提交路径（提交只负责入队）
//   - Kafka 短暂抖动靠队列吸收，后台慢慢补发
//   - 队列满时允许降级丢弃，内存不无限增长
//
// 丢事件是可接受的：广播通道只是低延迟优化，掉线的订阅端
// 靠 OpsSince 追平，真相永远在操作日志里。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan DocOpEvent

	// sem 限制并发的 SendMessage 数量
	sendSem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sendSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocOpEvent, opt.QueueSize),
		sendSem:     sendSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.Start()
	return d
}

// Enqueue 把事件放进本地队列，队列满时最多等到 ctx 超时。
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt DocOpEvent) error {
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocOpEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sendSem != nil {
			// worker 可以一直等，不影响提交路径
			_ = d.sendSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sendSem != nil {
			_ = d.sendSem.Release()
		}

		if err == nil {
			return
		}
		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop event doc=%s op=%s rev=%d worker=%d err=%v",
				evt.DocID, evt.OperationID, evt.Revision, workerID, err)
			return
		}

		// 指数退避，封顶 maxBackoff
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocOpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID), // 以 docId 做 key，按文档分区
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
