package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"autotrader/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageWriter - часть kafka.Writer, нужная экспортёру
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig - параметры экспорта событий
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BufferSize   int
	BatchSize    int
	WriteTimeout time.Duration
}

// KafkaExporter пересылает события шины в Kafka для внешней аналитики.
//
// OnEvent не блокируется: события складываются в буфер, при переполнении
// отбрасываются (счётчик Dropped). Отправка идёт батчами из одной горутины.
type KafkaExporter struct {
	writer  MessageWriter
	cfg     KafkaConfig
	logger  *utils.Logger
	queue   chan Event
	dropped atomic.Int64
	sent    atomic.Int64

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewKafkaExporter создаёт экспортёр поверх kafka.Writer
func NewKafkaExporter(cfg KafkaConfig, logger *utils.Logger) *KafkaExporter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaExporter(w, cfg, logger)
}

func newKafkaExporter(w MessageWriter, cfg KafkaConfig, logger *utils.Logger) *KafkaExporter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = utils.NewNop()
	}
	return &KafkaExporter{
		writer: w,
		cfg:    cfg,
		logger: logger.WithComponent("kafka_exporter"),
		queue:  make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
	}
}

// OnEvent реализует Listener
func (k *KafkaExporter) OnEvent(e Event) {
	select {
	case k.queue <- e:
	default:
		k.dropped.Add(1)
	}
}

// Start запускает горутину отправки
func (k *KafkaExporter) Start() {
	k.wg.Add(1)
	go k.run()
}

// Stop дописывает остаток буфера и закрывает writer
func (k *KafkaExporter) Stop() {
	k.stopOnce.Do(func() {
		close(k.stopCh)
		k.wg.Wait()
		if err := k.writer.Close(); err != nil {
			k.logger.Warn("kafka writer close failed", zap.Error(err))
		}
	})
}

// Dropped - число событий, отброшенных из-за переполнения буфера
func (k *KafkaExporter) Dropped() int64 { return k.dropped.Load() }

// Sent - число успешно записанных событий
func (k *KafkaExporter) Sent() int64 { return k.sent.Load() }

func (k *KafkaExporter) run() {
	defer k.wg.Done()

	batch := make([]kafka.Message, 0, k.cfg.BatchSize)
	for {
		select {
		case e := <-k.queue:
			batch = k.append(batch, e)
			// Забираем всё, что уже лежит в буфере, не дожидаясь следующего события
		drain:
			for len(batch) < k.cfg.BatchSize {
				select {
				case e := <-k.queue:
					batch = k.append(batch, e)
				default:
					break drain
				}
			}
			batch = k.flush(batch)
		case <-k.stopCh:
			for {
				select {
				case e := <-k.queue:
					batch = k.append(batch, e)
				default:
					k.flush(batch)
					return
				}
			}
		}
	}
}

func (k *KafkaExporter) append(batch []kafka.Message, e Event) []kafka.Message {
	value, err := json.Marshal(e)
	if err != nil {
		k.logger.Warn("event encode failed", zap.String("event", e.Type), zap.Error(err))
		return batch
	}
	return append(batch, kafka.Message{
		Key:   []byte(e.Source),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	})
}

func (k *KafkaExporter) flush(batch []kafka.Message) []kafka.Message {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.WriteTimeout)
	defer cancel()

	if err := k.writer.WriteMessages(ctx, batch...); err != nil {
		k.logger.Error("kafka write failed",
			zap.Int("batch", len(batch)),
			zap.Error(err),
		)
	} else {
		k.sent.Add(int64(len(batch)))
	}
	return batch[:0]
}
