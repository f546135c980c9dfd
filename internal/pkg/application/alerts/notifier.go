package alerts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"
)

const alertEventType = "aquawatch.alert"

type SubscriberConfig struct {
	Endpoint string `yaml:"endpoint"`
	// MinSeverity filters what the subscriber receives; empty means all.
	MinSeverity types.Severity `yaml:"minSeverity,omitempty"`
}

type NotifierConfig struct {
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}

func LoadNotifierConfig(data io.Reader) (*NotifierConfig, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := NotifierConfig{}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

type notifier struct {
	subscribers []SubscriberConfig
}

// NewNotifier dispatches raised alerts as CloudEvents to the configured
// subscriber endpoints, typically an email gateway.
func NewNotifier(cfg *NotifierConfig) Notifier {
	n := &notifier{}

	if cfg != nil {
		n.subscribers = cfg.Subscribers
	}

	return n
}

func (n *notifier) Notify(ctx context.Context, alert types.Alert) error {
	if len(n.subscribers) == 0 {
		return nil
	}

	c, err := cloudevents.NewClientHTTP()
	if err != nil {
		return err
	}

	event := cloudevents.NewEvent()
	event.SetID(fmt.Sprintf("%s:%d", alert.ID, alert.LastOccurrence.Unix()))
	event.SetTime(time.Now().UTC())
	event.SetSource("github.com/aquawatch/water-quality-mgmt")
	event.SetType(alertEventType)

	err = event.SetData(cloudevents.ApplicationJSON, alert)
	if err != nil {
		return err
	}

	log := logging.GetFromContext(ctx)

	for _, s := range n.subscribers {
		if s.MinSeverity != "" && severityRank[alert.Severity] < severityRank[s.MinSeverity] {
			continue
		}

		ctxWithTarget := cloudevents.ContextWithTarget(ctx, s.Endpoint)

		result := c.Send(ctxWithTarget, event)
		if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
			log.Error("failed to send alert event", "endpoint", s.Endpoint, "err", result.Error())
			err = fmt.Errorf("%w", result)
		}
	}

	return err
}
