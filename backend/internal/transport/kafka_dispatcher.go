package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/shridhar2011/mixer/backend/internal/wire"
)

// KafkaDispatcher：本地有界队列 + 单个 worker 顺序发送 + 有限重试。
// - Enqueue 只负责入队，不阻塞主流程
// - 只有一个 worker，且失败时原地重试，保证同一发送方的指令顺序
// - 消息 key 固定为会话 ID，同一会话落在同一个分区
type KafkaDispatcher struct {
	producer  sarama.SyncProducer
	topic     string
	sessionID string
	logger    *slog.Logger

	queue chan wire.Command
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

var ErrKafkaMisconfigured = errors.New("KAFKA_DISPATCHER_MISCONFIGURED")

type KafkaDispatcherOptions struct {
	QueueSize   int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *slog.Logger
}

// NewKafkaDispatcher 启动 worker；producer 为空或 topic 为空时直接报错
func NewKafkaDispatcher(producer sarama.SyncProducer, topic, sessionID string, opt KafkaDispatcherOptions) (*KafkaDispatcher, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrKafkaMisconfigured)
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrKafkaMisconfigured)
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		sessionID:   sessionID,
		logger:      opt.Logger,
		queue:       make(chan wire.Command, opt.QueueSize),
		done:        make(chan struct{}),
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	go d.workerLoop()
	return d, nil
}

// Enqueue：把指令放入本地队列。
// - 队列满时，等待直到 ctx 超时
// - 已关闭时返回 ErrClosed
func (d *KafkaDispatcher) Enqueue(ctx context.Context, cmd wire.Command) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- cmd:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrQueueFull, ctx.Err())
	}
}

// Close 停止接收新指令，并等待队列中已有的指令发送完毕
func (d *KafkaDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
	return nil
}

func (d *KafkaDispatcher) workerLoop() {
	defer close(d.done)
	for cmd := range d.queue {
		d.sendWithRetry(cmd)
	}
}

func (d *KafkaDispatcher) sendWithRetry(cmd wire.Command) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		err := d.sendOnce(cmd)
		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			d.logger.Error("transport: kafka send failed, drop command",
				"type", cmd.Type.String(), "seq", cmd.SequenceHint, "session", d.sessionID, "error", err)
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(cmd wire.Command) error {
	b, err := cmd.MarshalBinary()
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(d.sessionID),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(cmd.Type.String())},
			{Key: []byte("seq"), Value: []byte(strconv.FormatInt(cmd.SequenceHint, 10))},
		},
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// NewSyncProducer 按服务的默认参数创建同步 producer
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	// 单连接单飞行请求，避免重试造成乱序
	cfg.Net.MaxOpenRequests = 1
	return sarama.NewSyncProducer(brokers, cfg)
}
