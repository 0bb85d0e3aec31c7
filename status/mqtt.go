package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"flexteleop/config"
	"flexteleop/control"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 2 * time.Second
	mqttKeepAlive      = 30 * time.Second
	mqttQuiesceMS      = 250
)

var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrNotConnected     = errors.New("mqtt: not connected")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
)

// publisher is the part of the paho client the publisher uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	IsConnectionOpen() bool
	Disconnect(quiesce uint)
}

// MQTTPublisher sends each status record as JSON to <prefix>/status and
// announces the run on <prefix>/run (retained).
type MQTTPublisher struct {
	client   publisher
	qos      byte
	prefix   string
	runID    string
	interval time.Duration

	mu     sync.Mutex
	last   time.Time
	sent   bool
	closed bool
}

var _ Output = (*MQTTPublisher)(nil)

// ConnectMQTT dials the broker and waits for the connection.
func ConnectMQTT(cfg config.MQTTConfig, runID string) (*MQTTPublisher, error) {
	opts := pahomqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(cfg.Broker.ClientID)
	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(mqttKeepAlive)
	opts.SetWill(cfg.TopicPrefix+"/run", runPayload(runID, "offline"), 1, true)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	p := newMQTTPublisher(client, cfg, runID)
	if err := p.publish(p.RunTopic(), 1, true, []byte(runPayload(runID, "online"))); err != nil {
		client.Disconnect(mqttQuiesceMS)
		return nil, err
	}
	return p, nil
}

func newMQTTPublisher(client publisher, cfg config.MQTTConfig, runID string) *MQTTPublisher {
	return &MQTTPublisher{
		client:   client,
		qos:      byte(cfg.QoS),
		prefix:   cfg.TopicPrefix,
		runID:    runID,
		interval: cfg.Interval,
	}
}

func runPayload(runID, state string) string {
	b, _ := json.Marshal(map[string]string{"run_id": runID, "state": state})
	return string(b)
}

// StatusTopic is where records are published.
func (p *MQTTPublisher) StatusTopic() string { return p.prefix + "/status" }

// RunTopic carries the retained run state.
func (p *MQTTPublisher) RunTopic() string { return p.prefix + "/run" }

func (p *MQTTPublisher) Write(s control.Status) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.sent && s.At.Sub(p.last) < p.interval {
		p.mu.Unlock()
		return nil
	}
	p.last = s.At
	p.sent = true
	p.mu.Unlock()

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return p.publish(p.StatusTopic(), p.qos, false, payload)
}

func (p *MQTTPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, mqttPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close disconnects after letting in-flight messages go out.
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.publish(p.RunTopic(), 1, true, []byte(runPayload(p.runID, "stopped")))
	p.client.Disconnect(mqttQuiesceMS)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}
