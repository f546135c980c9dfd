package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus"
)

func TestSuccessfulPublishCountsOneFlush(t *testing.T) {
	is := is.New(t)

	messenger := &messaging.MsgContextMock{
		PublishOnTopicFunc: func(ctx context.Context, message messaging.TopicMessage) error {
			return nil
		},
	}

	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewPublisher(messenger, metrics)

	err := p.PublishOnTopic(context.Background(), &types.CommandMessage{
		DeviceID:  "sensor-01",
		Command:   "go",
		Timestamp: time.Now().UTC(),
	})
	is.NoErr(err)

	snap := metrics.Snapshot()
	is.Equal(snap.Published, int64(1))
	is.Equal(snap.Flushes, int64(1))
	is.Equal(snap.Failed, int64(0))
}

func TestFailedPublishDoesNotCountAFlush(t *testing.T) {
	is := is.New(t)

	messenger := &messaging.MsgContextMock{
		PublishOnTopicFunc: func(ctx context.Context, message messaging.TopicMessage) error {
			return errors.New("connection reset")
		},
	}

	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewPublisher(messenger, metrics)

	err := p.PublishOnTopic(context.Background(), &types.CommandMessage{DeviceID: "sensor-01", Command: "go"})
	is.True(err != nil)

	snap := metrics.Snapshot()
	is.Equal(snap.Published, int64(0))
	is.Equal(snap.Flushes, int64(0))
	is.Equal(snap.Failed, int64(1))
}
