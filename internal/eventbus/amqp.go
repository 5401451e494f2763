package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	logx "broadcastd/pkg/logx"
)

const DefaultExchange = "broadcast.events"

// publisher is the subset of *amqp.Channel the forwarder uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPForwarder republishes bus events to a fanout exchange so out-of-process
// consumers (the dashboard) can react to broadcast state changes.
//
// Run returns when ctx ends (nil) or the broker connection drops (error); it is
// meant to run under a supervisor restart loop.
type AMQPForwarder struct {
	URL      string
	Exchange string
	// Types limits forwarding to these event types. Empty forwards everything.
	Types []string

	Bus Bus
	Log logx.Logger
}

type wireEvent struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

func (f *AMQPForwarder) exchange() string {
	if ex := strings.TrimSpace(f.Exchange); ex != "" {
		return ex
	}
	return DefaultExchange
}

func (f *AMQPForwarder) Run(ctx context.Context) error {
	if f.Bus == nil {
		return errors.New("amqp forwarder: nil bus")
	}
	conn, err := amqp.Dial(f.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(f.exchange(), amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp exchange declare: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	events, unsub := f.Bus.Subscribe(64, f.Types...)
	defer unsub()

	f.Log.Info("amqp forwarder connected", logx.String("exchange", f.exchange()))
	return f.forward(ctx, ch, events, closed)
}

func (f *AMQPForwarder) forward(ctx context.Context, pub publisher, events <-chan Event, closed <-chan *amqp.Error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr, ok := <-closed:
			if !ok || aerr == nil {
				return errors.New("amqp connection closed")
			}
			return fmt.Errorf("amqp connection closed: %w", aerr)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !f.accepts(ev.Type) {
				continue
			}
			if err := f.publish(ctx, pub, ev); err != nil {
				// A failed publish on a live channel is not fatal; the next pulse
				// carries the same information.
				f.Log.Warn("amqp publish failed", logx.String("type", ev.Type), logx.Err(err))
			}
		}
	}
}

func (f *AMQPForwarder) accepts(typ string) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == typ {
			return true
		}
	}
	return false
}

func (f *AMQPForwarder) publish(ctx context.Context, pub publisher, ev Event) error {
	body, err := json.Marshal(wireEvent{Type: ev.Type, Time: ev.Time.UTC(), Data: ev.Data})
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return pub.PublishWithContext(pctx, f.exchange(), ev.Type, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   ev.Time,
		Type:        ev.Type,
		Body:        body,
	})
}
