package bus

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// Conn wraps a NATS connection used for both telemetry intake and
// alert notification publishing.
type Conn struct {
	NC *nats.Conn
}

func Connect(url string) (*Conn, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, err
	}
	return &Conn{NC: nc}, nil
}

func (c *Conn) Close() {
	if c.NC != nil {
		c.NC.Drain()
		c.NC.Close()
	}
}

// Publish marshals payload as JSON and publishes it on subject.
func (c *Conn) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.NC.Publish(subject, data)
}

// Subscribe delivers raw message payloads to handler. Decoding stays
// with the caller so malformed messages can be counted, not dropped
// silently.
func (c *Conn) Subscribe(subject string, handler func(data []byte)) (*nats.Subscription, error) {
	return c.NC.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}
