package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaNotifier publishes alerts to a topic consumed by the paging system.
// Messages are keyed by request id so retries for one grant stay ordered.
type KafkaNotifier struct {
	writer    kafkaWriter
	templates *TemplateEngine
}

type kafkaAlert struct {
	SupervisorAlert
	Subject string `json:"subject"`
	Message string `json:"message"`
}

func NewKafkaNotifier(cfg KafkaConfig, templates *TemplateEngine) (*KafkaNotifier, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaNotifier{writer: w, templates: templates}, nil
}

func (n *KafkaNotifier) Notify(ctx context.Context, a SupervisorAlert) error {
	if n == nil || n.writer == nil {
		return fmt.Errorf("kafka notifier not initialized")
	}
	subject, body, err := n.templates.RenderAlert(a)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(kafkaAlert{SupervisorAlert: a, Subject: subject, Message: body})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(a.RequestID),
		Value: payload,
		Time:  a.CreatedAt,
		Headers: []kafka.Header{
			{Key: "emergency_level", Value: []byte(a.EmergencyLevel)},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish alert %s: %w", a.RequestID, err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	if n == nil || n.writer == nil {
		return nil
	}
	return n.writer.Close()
}
