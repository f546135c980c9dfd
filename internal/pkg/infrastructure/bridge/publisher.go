package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/sony/gobreaker"
)

var ErrBrokerUnavailable = fmt.Errorf("broker unavailable")

// Publisher wraps the outbound broker session in a circuit breaker. While
// the breaker is open, callers fail fast with ErrBrokerUnavailable instead
// of piling up on a dead connection.
type Publisher struct {
	messenger messaging.MsgContext
	breaker   *gobreaker.CircuitBreaker
	metrics   *Metrics
}

func NewPublisher(messenger messaging.MsgContext, metrics *Metrics) *Publisher {
	p := &Publisher{
		messenger: messenger,
		metrics:   metrics,
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-publish",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerOpen(to == gobreaker.StateOpen)
		},
	})

	return p
}

func (p *Publisher) PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error {
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.messenger.PublishOnTopic(ctx, message)
	})
	if err != nil {
		p.metrics.IncFailed("publish")

		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return ErrBrokerUnavailable
		}
		return err
	}

	p.metrics.IncPublished(message.TopicName())
	// the outbound buffer holds one message, so every successful
	// round-trip is one flush
	p.metrics.IncFlushed()

	return nil
}
