package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

var ErrNotConnected = errors.New("mqtt client not connected")

// Message is the decoded view handlers receive; it carries no paho types so
// fakes can produce it directly.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

type Handler func(Message)

// ClientAPI is the surface the console needs from a broker connection.
type ClientAPI interface {
	Subscribe(topic string, handler Handler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte) error
}

type Client struct {
	client paho.Client
}

func Connect(brokerURL, clientID string) (*Client, error) {
	opts := paho.NewClientOptions()
	url := strings.TrimSpace(brokerURL)
	if url == "" {
		url = "mqtt://localhost:1883"
	}
	if strings.HasPrefix(url, "mqtt://") {
		url = "tcp://" + strings.TrimPrefix(url, "mqtt://")
	}
	if strings.HasPrefix(url, "mqtts://") {
		url = "ssl://" + strings.TrimPrefix(url, "mqtts://")
	}
	opts.AddBroker(url)
	if strings.TrimSpace(clientID) == "" {
		clientID = "edge-console-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	// Cameras ship self-signed broker certs.
	opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})

	opts.OnConnectionLost = func(_ paho.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ paho.Client) {
		slog.Info("mqtt connected", "broker", url)
	}

	c := paho.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, ErrNotConnected
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

func (c *Client) Subscribe(topic string, handler Handler) error {
	tok := c.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		handler(Message{Topic: msg.Topic(), Payload: msg.Payload(), Retained: msg.Retained()})
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		return err
	}
	slog.Debug("mqtt subscribed", "topic", topic)
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	tok := c.client.Unsubscribe(topic)
	tok.Wait()
	return tok.Error()
}

func (c *Client) Publish(topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	tok := c.client.Publish(topic, 0, false, payload)
	tok.Wait()
	return tok.Error()
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}

// Inbox decouples paho's router goroutine from message processing. Handlers
// returned by Handler only enqueue; Run drains the queue on one goroutine so
// messages are processed strictly in arrival order. Once Run returns,
// handlers drop messages instead of blocking the router.
type Inbox struct {
	ch       chan Message
	done     chan struct{}
	doneOnce sync.Once
}

func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = 256
	}
	return &Inbox{ch: make(chan Message, size), done: make(chan struct{})}
}

func (in *Inbox) Handler() Handler {
	return func(m Message) {
		select {
		case in.ch <- m:
		case <-in.done:
			slog.Debug("inbox closed, dropping message", "topic", m.Topic)
		}
	}
}

func (in *Inbox) Run(ctx context.Context, fn func(context.Context, Message)) {
	defer in.doneOnce.Do(func() { close(in.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-in.ch:
			fn(ctx, m)
		}
	}
}

// Match reports whether topic matches the subscription filter (+ and #
// wildcards).
func Match(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
