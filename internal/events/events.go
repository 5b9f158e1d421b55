// Package events publishes polygon change events to Kafka.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	OpCreated = "created"
	OpUpdated = "updated"
	OpDeleted = "deleted"

	layer = "gis_polygon"
)

// Event describes one committed write. Geometry is GeoJSON in EPSG:4326
// and is omitted for deletes.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Version   int             `json:"version"`
	Op        string          `json:"op"`
	Layer     string          `json:"layer"`
	PolygonID int64           `json:"polygon_id"`
	Actor     string          `json:"actor,omitempty"`
	TS        time.Time       `json:"ts"`
	BBox      *BBox           `json:"bbox,omitempty"`
	Geometry  json.RawMessage `json:"geometry,omitempty"`
}

type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(op string, polygonID int64) Event {
	return Event{
		ID:        uuid.New(),
		Version:   1,
		Op:        op,
		Layer:     layer,
		PolygonID: polygonID,
		TS:        time.Now().UTC(),
	}
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(ev Event)
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(Event) {}
func (Noop) Close() error { return nil }

// KafkaPublisher queues events and hands them to a sarama AsyncProducer.
// When the queue is full new events are dropped.
type KafkaPublisher struct {
	topic    string
	events   chan Event
	prod     sarama.AsyncProducer
	logr     *zap.Logger
	stopped  chan struct{}
	errsDone chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewKafkaPublisher(brokers []string, topic string, queueSize int, logr *zap.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: create async producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(prod, topic, queueSize, logr), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, logr *zap.Logger) *KafkaPublisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logr == nil {
		logr = zap.NewNop()
	}

	p := &KafkaPublisher{
		topic:    topic,
		events:   make(chan Event, queueSize),
		prod:     prod,
		logr:     logr,
		stopped:  make(chan struct{}),
		errsDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.logr.Error("marshal event", zap.Error(err), zap.Int64("polygon_id", ev.PolygonID))
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(strconv.FormatInt(ev.PolygonID, 10)),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errsDone)
		for err := range p.prod.Errors() {
			if err != nil {
				p.logr.Warn("producer error", zap.Error(err))
			}
		}
	}()

	return p
}

// Publish queues ev. Events published after Close are dropped.
func (p *KafkaPublisher) Publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logr.Warn("publisher closed, dropping event",
			zap.String("op", ev.Op),
			zap.Int64("polygon_id", ev.PolygonID),
		)
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logr.Warn("event queue full, dropping event",
			zap.String("op", ev.Op),
			zap.Int64("polygon_id", ev.PolygonID),
		)
	}
}

// Close drains the queue and closes the producer. It is safe to call more
// than once.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	<-p.stopped

	err := p.prod.Close()
	<-p.errsDone
	if err != nil {
		return fmt.Errorf("events: close producer: %w", err)
	}
	return nil
}
