package notify

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 交换机渠道的连接参数。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// RabbitMQNotifier 将事件以非持久消息投递到 topic 交换机。
type RabbitMQNotifier struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
}

// NewRabbitMQNotifier 创建 RabbitMQ 通知器并声明交换机。
func NewRabbitMQNotifier(cfg RabbitMQConfig) (*RabbitMQNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "spells"
	}
	routingKey := cfg.RoutingKey
	if routingKey == "" {
		routingKey = "cast"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQNotifier{conn: conn, ch: ch, exchange: exchange, routingKey: routingKey}, nil
}

// Name 返回渠道名称。
func (n *RabbitMQNotifier) Name() string { return "rabbitmq" }

// Notify 投递事件。
func (n *RabbitMQNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.ch == nil {
		return errors.New("RabbitMQ 通知器未初始化")
	}
	payload, err := event.payload()
	if err != nil {
		return err
	}
	return n.ch.PublishWithContext(ctx, n.exchange, n.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    event.RunID,
		Timestamp:    event.OccurredAt,
		Body:         payload,
	})
}

// Close 关闭 channel 与连接。
func (n *RabbitMQNotifier) Close() error {
	if n == nil {
		return nil
	}
	var err error
	if n.ch != nil {
		err = errors.Join(err, n.ch.Close())
	}
	if n.conn != nil {
		err = errors.Join(err, n.conn.Close())
	}
	return err
}
