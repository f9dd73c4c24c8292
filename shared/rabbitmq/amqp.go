package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the manager and consumers use
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the subset of *amqp.Connection the manager uses
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(url string, cfg amqp.Config) (Connection, error)

// DialAMQP is the production Dialer
func DialAMQP(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{Connection: conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func amqpConfig(cfg *Config) amqp.Config {
	timeout := cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return amqp.Config{
		Vhost:     cfg.VHost,
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
		Properties: amqp.Table{
			"connection_name": cfg.ConnectionName,
		},
	}
}
