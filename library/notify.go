package library

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	kafkago "github.com/segmentio/kafka-go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OverdueNotice is emitted once per overdue open loan per sweep.
type OverdueNotice struct {
	ScanID      string `json:"scan_id"`
	LoanID      int64  `json:"loan_id"`
	ItemID      int64  `json:"item_id"`
	BorrowerID  int64  `json:"borrower_id"`
	DueOn       Date   `json:"due_on"`
	DaysOverdue int    `json:"days_overdue"`
}

// Sink receives overdue notices. A Sink must not call back into the engine
// synchronously; a returned error is logged and counted, never retried.
type Sink interface {
	Notify(ctx context.Context, n OverdueNotice) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n OverdueNotice) error

func (f SinkFunc) Notify(ctx context.Context, n OverdueNotice) error { return f(ctx, n) }

// LogSink writes each notice as a Warn record.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(ctx context.Context, n OverdueNotice) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "loan overdue",
		slog.String("scan_id", n.ScanID),
		slog.Int64("loan_id", n.LoanID),
		slog.Int64("item_id", n.ItemID),
		slog.Int64("borrower_id", n.BorrowerID),
		slog.String("due_on", n.DueOn.String()),
		slog.Int("days_overdue", n.DaysOverdue))
	return nil
}

// JSONSink writes one JSON object per line.
type JSONSink struct {
	mu  sync.Mutex
	enc *jsoniter.Encoder
}

func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w)}
}

func (s *JSONSink) Notify(_ context.Context, n OverdueNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(n); err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	return nil
}

// messageWriter is the part of *kafkago.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaSink publishes notices to a topic keyed by loan id.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafkago.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafkago.RequireAll,
		},
		topic: topic,
	}
}

func (s *KafkaSink) Notify(ctx context.Context, n OverdueNotice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(strconv.FormatInt(n.LoanID, 10)),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte("loan.overdue")},
			{Key: "scan_id", Value: []byte(n.ScanID)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error { return s.writer.Close() }
