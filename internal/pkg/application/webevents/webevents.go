package webevents

import (
	"encoding/json"

	gosse "github.com/alexandrevicenzi/go-sse"

	"github.com/aquawatch/water-quality-mgmt/pkg/types"
)

// Event names pushed to connected dashboards.
const (
	EventSensorData    = "sensor:data"
	EventAlertNew      = "alert:new"
	EventAlertUpdated  = "alert:updated"
	EventAlertResolved = "alert:resolved"
	EventDeviceStatus  = "device:status"
	EventDeviceNew     = "device:new"
)

type WebEvents interface {
	Server() *gosse.Server
	Shutdown()
	Publish(event string, data any) error

	PublishReading(reading types.Reading) error
	PublishAlert(event string, alert types.Alert) error
	PublishDeviceStatus(deviceID, status string) error
	PublishDevice(device types.Device) error
}

type webEvents struct {
	s *gosse.Server
}

func New() WebEvents {
	return &webEvents{
		s: gosse.NewServer(&gosse.Options{}),
	}
}

func (we *webEvents) Server() *gosse.Server {
	return we.s
}

func (we *webEvents) Shutdown() {
	we.s.Shutdown()
}

func (we *webEvents) Publish(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	message := gosse.NewMessage("", string(b), event)
	we.s.SendMessage("", message)

	return nil
}

func (we *webEvents) PublishReading(reading types.Reading) error {
	return we.Publish(EventSensorData, reading)
}

func (we *webEvents) PublishAlert(event string, alert types.Alert) error {
	return we.Publish(event, alert)
}

func (we *webEvents) PublishDeviceStatus(deviceID, status string) error {
	return we.Publish(EventDeviceStatus, map[string]string{
		"deviceID": deviceID,
		"status":   status,
	})
}

func (we *webEvents) PublishDevice(device types.Device) error {
	return we.Publish(EventDeviceNew, device)
}
