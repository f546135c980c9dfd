package types

import (
	"fmt"
	"time"
)

// Broker wire payloads. Devices publish on device.registration.<id>,
// device.sensordata.<id> and device.status.<id>; the backend publishes
// commands on device.command.<id>.

type SensorPayload struct {
	PH             *float64 `json:"pH,omitempty"`
	Turbidity      *float64 `json:"turbidity,omitempty"`
	TDS            *float64 `json:"tds,omitempty"`
	PHValid        *bool    `json:"pH_valid,omitempty"`
	TurbidityValid *bool    `json:"turbidity_valid,omitempty"`
	TDSValid       *bool    `json:"tds_valid,omitempty"`
	Timestamp      *int64   `json:"timestamp,omitempty"`
}

type RegistrationPayload struct {
	DeviceID        string   `json:"deviceID"`
	Name            string   `json:"name,omitempty"`
	Type            string   `json:"type,omitempty"`
	FirmwareVersion string   `json:"firmwareVersion,omitempty"`
	MACAddress      string   `json:"macAddress,omitempty"`
	IPAddress       string   `json:"ipAddress,omitempty"`
	Sensors         []string `json:"sensors,omitempty"`
}

type StatusPayload struct {
	Status string `json:"status"`
}

type CommandMessage struct {
	DeviceID  string    `json:"-"`
	Command   string    `json:"command"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *CommandMessage) ContentType() string {
	return "application/json"
}

func (c *CommandMessage) TopicName() string {
	return fmt.Sprintf("device.command.%s", c.DeviceID)
}

type DiscoveryRequest struct {
	Timestamp time.Time `json:"timestamp"`
}

func (d *DiscoveryRequest) ContentType() string {
	return "application/json"
}

func (d *DiscoveryRequest) TopicName() string {
	return "device.discovery.request"
}
