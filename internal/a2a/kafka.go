package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/taskclaw/internal/config"
	"github.com/KafClaw/taskclaw/internal/timeline"
)

// DefaultTopic carries mirrored A2A messages.
const DefaultTopic = "taskclaw.a2a"

// EnvelopeMessage is the only envelope type on the topic.
const EnvelopeMessage = "a2a_message"

// Publisher mirrors stored messages outside the process.
type Publisher interface {
	Publish(ctx context.Context, m timeline.A2AMessage) error
}

// Envelope is the wire format of a mirrored message.
type Envelope struct {
	Type      string              `json:"type"`
	NodeID    string              `json:"node_id"`
	Timestamp time.Time           `json:"timestamp"`
	Message   timeline.A2AMessage `json:"message"`
}

// KafkaPublisher writes envelopes to the A2A topic, keyed by thread so a
// thread stays on one partition.
type KafkaPublisher struct {
	w      *kafka.Writer
	nodeID string
}

// NewKafkaPublisher returns nil when no brokers are configured.
func NewKafkaPublisher(cfg config.A2AConfig) *KafkaPublisher {
	brokers := splitBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return nil
	}
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topicOrDefault(cfg.Topic),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 10 * time.Second,
		},
		nodeID: cfg.NodeID,
	}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, m timeline.A2AMessage) error {
	payload, err := json.Marshal(Envelope{
		Type:      EnvelopeMessage,
		NodeID:    p.nodeID,
		Timestamp: time.Now().UTC(),
		Message:   m,
	})
	if err != nil {
		return fmt.Errorf("encode a2a envelope: %w", err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(m.ThreadID),
		Value:   payload,
		Headers: []kafka.Header{{Key: "taskclaw-node", Value: []byte(p.nodeID)}},
	})
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error { return p.w.Close() }

// Deliverer is satisfied by *Protocol.
type Deliverer interface {
	Deliver(ctx context.Context, m Message) (*Delivery, error)
}

// KafkaInbox consumes envelopes published by other nodes and delivers the
// ones addressed to local agents.
type KafkaInbox struct {
	reader  *kafka.Reader
	nodeID  string
	deliver Deliverer
}

// NewKafkaInbox returns nil when no brokers are configured.
func NewKafkaInbox(cfg config.A2AConfig, d Deliverer) *KafkaInbox {
	brokers := splitBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return nil
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "taskclaw-" + cfg.NodeID
	}
	return &KafkaInbox{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topicOrDefault(cfg.Topic),
			GroupID:  group,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		nodeID:  cfg.NodeID,
		deliver: d,
	}
}

// Run reads until ctx is cancelled.
func (in *KafkaInbox) Run(ctx context.Context) error {
	slog.Info("A2A inbox started", "node", in.nodeID)
	defer in.reader.Close()
	for {
		msg, err := in.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("A2A inbox read error", "error", err)
			continue
		}
		if err := in.Handle(ctx, msg.Value); err != nil {
			slog.Warn("A2A inbox message dropped", "error", err)
		}
	}
}

// Handle processes one record. Own-node echoes and messages for agents
// this node does not host are skipped.
func (in *KafkaInbox) Handle(ctx context.Context, value []byte) error {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return fmt.Errorf("decode a2a envelope: %w", err)
	}
	if env.Type != EnvelopeMessage || env.NodeID == in.nodeID {
		return nil
	}
	m := env.Message
	_, err := in.deliver.Deliver(ctx, Message{
		ThreadID:      m.ThreadID,
		FromAgentID:   m.FromAgentID,
		ToAgentID:     m.ToAgentID,
		Content:       m.Content,
		TaskID:        m.TaskID,
		Automatic:     m.Automatic,
		HumanAuthored: m.HumanAuthored,
		Remote:        true,
		Actor:         "node:" + env.NodeID,
	})
	if errors.Is(err, timeline.ErrNotFound) {
		slog.Debug("A2A inbox skipped message for unknown agent", "to", m.ToAgentID)
		return nil
	}
	return err
}

// ErrNoBrokers is returned by CheckBroker when the A2A mirror is not configured.
var ErrNoBrokers = errors.New("no kafka brokers configured")

// CheckBroker dials the first reachable broker and reads the partitions of the
// A2A topic. It reports the partition count.
func CheckBroker(ctx context.Context, cfg config.A2AConfig, timeout time.Duration) (int, error) {
	brokers := splitBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return 0, ErrNoBrokers
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := &kafka.Dialer{Timeout: timeout, DualStack: true}

	var errs []error
	for _, addr := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		_ = conn.SetDeadline(time.Now().Add(timeout))
		parts, err := conn.ReadPartitions(topicOrDefault(cfg.Topic))
		conn.Close()
		if err != nil {
			return 0, fmt.Errorf("%s: read partitions: %w", addr, err)
		}
		return len(parts), nil
	}
	return 0, errors.Join(errs...)
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func topicOrDefault(t string) string {
	if t == "" {
		return DefaultTopic
	}
	return t
}
