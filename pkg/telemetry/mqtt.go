package telemetry

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"
)

// MQTTConfig configures an MQTTSink.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker string

	// ClientID defaults to a generated unique id.
	ClientID string

	// Topic receives the msgpack-encoded events.
	Topic string

	QoS byte

	// Buffer is the number of events held while the publisher
	// catches up; further events are dropped. Defaults to 256.
	Buffer int
}

// MQTTSink publishes pipeline events to an MQTT topic. HandleEvent
// never blocks: events are buffered and published from a background
// goroutine, and dropped when the buffer is full.
type MQTTSink struct {
	topic  string
	qos    byte
	client mqtt.Client
	events chan Event
	done   chan struct{}
}

var _ Sink = (*MQTTSink)(nil)

// NewMQTTSink connects to the broker and starts the publisher.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "gradsync-" + uuid.NewString()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connecting to broker %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to broker %s: %w", cfg.Broker, err)
	}

	s := &MQTTSink{
		topic:  cfg.Topic,
		qos:    cfg.QoS,
		client: client,
		events: make(chan Event, cfg.Buffer),
		done:   make(chan struct{}),
	}
	go s.publishLoop()
	return s, nil
}

func (s *MQTTSink) HandleEvent(e Event) {
	select {
	case s.events <- e:
	default:
	}
}

// wireEvent is the published representation. Field names are the
// payload contract for consumers.
type wireEvent struct {
	Type      string `msgpack:"type"`
	Tensor    string `msgpack:"tensor"`
	Version   int    `msgpack:"version"`
	Priority  int    `msgpack:"priority"`
	Stage     string `msgpack:"stage,omitempty"`
	Status    string `msgpack:"status,omitempty"`
	UnixNanos int64  `msgpack:"unix_nanos"`
}

func (s *MQTTSink) publishLoop() {
	defer close(s.done)
	log := klog.Background()
	for e := range s.events {
		we := wireEvent{
			Type:      e.Type.String(),
			Tensor:    e.Tensor,
			Version:   e.Version,
			Priority:  e.Priority,
			UnixNanos: e.Time.UnixNano(),
		}
		switch e.Type {
		case EventStageEntered:
			we.Stage = e.Stage.String()
		case EventCompleted:
			we.Status = e.Status.String()
		}
		payload, err := msgpack.Marshal(we)
		if err != nil {
			log.Error(err, "failed to encode telemetry event")
			continue
		}
		token := s.client.Publish(s.topic, s.qos, false, payload)
		if !token.WaitTimeout(2 * time.Second) {
			log.V(2).Info("telemetry publish timed out", "topic", s.topic)
			continue
		}
		if err := token.Error(); err != nil {
			log.Error(err, "failed to publish telemetry event", "topic", s.topic)
		}
	}
}

// Close drains buffered events and disconnects from the broker.
func (s *MQTTSink) Close() {
	close(s.events)
	<-s.done
	s.client.Disconnect(250)
}
