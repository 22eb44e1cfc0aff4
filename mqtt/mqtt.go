package mqtt

import (
	"crypto/tls"
	"errors"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const reconnectInterval = 5 * time.Second

type Config struct {
	Server   string
	ClientID string
	Username string
	Password string
	// WillTopic receives WillPayload, retained, if the connection drops
	WillTopic   string
	WillPayload string
}

type Client struct {
	lock   sync.RWMutex
	client MQTT.Client
	id     int
	closed chan struct{}
	once   sync.Once
}

var ErrNotConnected = errors.New("MQTT client not connected")

func New(config *Config) *Client {
	m := &Client{
		closed: make(chan struct{}),
	}

	connOpts := MQTT.NewClientOptions().
		AddBroker(config.Server).
		SetClientID(config.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false)

	if config.Username != "" {
		connOpts.SetUsername(config.Username)
		if config.Password != "" {
			connOpts.SetPassword(config.Password)
		}
	}
	if config.WillTopic != "" {
		connOpts.SetWill(config.WillTopic, config.WillPayload, 0, true)
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: true, ClientAuth: tls.NoClientCert}
	connOpts.SetTLSConfig(tlsConfig)

	connOpts.OnConnectionLost = func(c MQTT.Client, err error) {
		log.Printf("MQTT disconnected: %s", err)
	}

	connect := func() {
		log.Printf("Trying to connect to MQTT %s ...", config.Server)
		newClient := MQTT.NewClient(connOpts)
		token := newClient.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("Cannot connect to MQTT: %s", err)
			return
		}
		m.lock.Lock()
		m.client = newClient
		m.id++
		id := m.id
		m.lock.Unlock()
		log.Printf("Connected to MQTT. Session ID %d", id)
	}

	connect()
	go func() {
		ticker := time.NewTicker(reconnectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.closed:
				m.lock.Lock()
				if m.client != nil {
					m.client.Disconnect(100)
				}
				m.lock.Unlock()
				return
			case <-ticker.C:
				m.lock.RLock()
				connected := m.client != nil && m.client.IsConnectionOpen()
				m.lock.RUnlock()
				if !connected {
					connect()
				}
			}
		}
	}()
	return m
}

// ID identifies the current broker session. It changes after every reconnection.
func (m *Client) ID() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.id
}

func (m *Client) current() MQTT.Client {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.client
}

func (m *Client) Publish(topic string, qos byte, retained bool, payload string) error {
	client := m.current()
	if client == nil {
		return ErrNotConnected
	}
	token := client.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

func (m *Client) Subscribe(topic string, callback func(message string)) error {
	client := m.current()
	if client == nil {
		return ErrNotConnected
	}
	token := client.Subscribe(topic, 0, func(c MQTT.Client, m MQTT.Message) {
		callback(string(m.Payload()))
	})
	token.Wait()
	return token.Error()
}

// Close stops reconnecting and disconnects from the broker
func (m *Client) Close() error {
	m.once.Do(func() {
		close(m.closed)
	})
	return nil
}
