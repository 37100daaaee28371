package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Event is the unit of the dispatch surface: a named event with a JSON
// payload. The event ID doubles as the run identifier of the workflow
// execution it triggers, so redelivery of the same event resumes the
// same run instead of starting a new one.
type Event struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	TenantID  string                 `json:"tenantId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

func NewEvent(name, tenantID string, data map[string]interface{}) Event {
	if data == nil {
		data = make(map[string]interface{})
	}
	return Event{
		ID:        uuid.New().String(),
		Name:      name,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Dispatcher is the producer half of the bus. The scheduler only needs
// this side.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}

type EventHandler func(ctx context.Context, event Event) error

type EventBus interface {
	Dispatcher
	Subscribe(eventName string, handler EventHandler) error
	Start(ctx context.Context) error
	Close() error
}

type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// KafkaEventBus publishes all events to a single topic and routes
// consumed messages to handlers by event name.
type KafkaEventBus struct {
	config   KafkaConfig
	writer   *kafka.Writer
	reader   *kafka.Reader
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func NewKafkaEventBus(config KafkaConfig) (*KafkaEventBus, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      config.Brokers,
		Topic:        config.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	})

	return &KafkaEventBus{
		config:   config,
		writer:   writer,
		handlers: make(map[string]EventHandler),
	}, nil
}

func (k *KafkaEventBus) Dispatch(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.ID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-name", Value: []byte(event.Name)},
			{Key: "tenant-id", Value: []byte(event.TenantID)},
		},
	}

	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaEventBus) Subscribe(eventName string, handler EventHandler) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.handlers[eventName]; exists {
		return fmt.Errorf("handler already registered for event %q", eventName)
	}
	k.handlers[eventName] = handler
	return nil
}

// Start begins consuming the topic. Must be called after all Subscribe
// calls; events with no registered handler are skipped.
func (k *KafkaEventBus) Start(ctx context.Context) error {
	k.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       k.config.Topic,
		GroupID:     k.config.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
		MaxWait:     1 * time.Second,
	})

	go k.consume(ctx)
	return nil
}

func (k *KafkaEventBus) consume(ctx context.Context) {
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(1 * time.Second)
			continue
		}

		if k.handleMessage(ctx, msg.Value) {
			k.commit(ctx, msg)
		}
	}
}

// handleMessage routes one consumed payload and reports whether its
// offset may be committed. Malformed payloads and events without a
// handler can never succeed, so they are committed and dropped. A
// handler error leaves the offset uncommitted: workflows convert their
// own failures to terminal outcomes, so an error at this level is an
// infrastructure problem the redelivery will retry.
func (k *KafkaEventBus) handleMessage(ctx context.Context, payload []byte) bool {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return true
	}

	k.mu.RLock()
	handler, ok := k.handlers[event.Name]
	k.mu.RUnlock()
	if !ok {
		return true
	}

	return handler(ctx, event) == nil
}

func (k *KafkaEventBus) commit(ctx context.Context, msg kafka.Message) {
	_ = k.reader.CommitMessages(ctx, msg)
}

func (k *KafkaEventBus) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if k.reader != nil {
		if err := k.reader.Close(); err != nil {
			return fmt.Errorf("failed to close reader: %w", err)
		}
	}
	return nil
}

// Workflow trigger events. Each workflow definition subscribes to
// exactly one of these.
const (
	ReadwiseSyncBooks      = "readwise/sync-books"
	ReadwiseSyncHighlights = "readwise/sync-highlights"
	ReadwiseCountBooks     = "readwise/count-books"
	ReadwiseTestConnection = "readwise/test-connection"
	SparksImport           = "sparks/import"
	EmbeddingsGenerate     = "embeddings/generate"
	LibraryMigrateTags     = "library/migrate-tags"
	LibraryAutomation      = "library/automation"
)
