// Package mqtttest provides an in-memory broker connection for tests.
package mqtttest

import (
	"sync"

	"github.com/PetoAdam/homenavi/edge-console/internal/mqtt"
)

type Published struct {
	Topic   string
	Payload []byte
}

// Client implements mqtt.ClientAPI. Deliver routes a message to every
// matching subscription; OnPublish lets a test play the device side.
type Client struct {
	mu        sync.Mutex
	subs      map[string]mqtt.Handler
	published []Published

	PublishErr error
	OnPublish  func(topic string, payload []byte)
}

func New() *Client {
	return &Client{subs: map[string]mqtt.Handler{}}
}

func (c *Client) Subscribe(topic string, handler mqtt.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = handler
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, topic)
	return nil
}

func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	if c.PublishErr != nil {
		err := c.PublishErr
		c.mu.Unlock()
		return err
	}
	c.published = append(c.published, Published{Topic: topic, Payload: append([]byte(nil), payload...)})
	hook := c.OnPublish
	c.mu.Unlock()
	if hook != nil {
		hook(topic, payload)
	}
	return nil
}

func (c *Client) Deliver(topic string, payload []byte) {
	c.mu.Lock()
	var handlers []mqtt.Handler
	for filter, h := range c.subs {
		if mqtt.Match(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(mqtt.Message{Topic: topic, Payload: payload})
	}
}

func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for f := range c.subs {
		out = append(out, f)
	}
	return out
}
