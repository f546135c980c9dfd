package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("water-quality-client")

var ErrNotFound = errors.New("not found")

// Client is a typed consumer of the management API, meant for sibling
// services and tooling that should not hand roll envelope parsing.
type Client interface {
	Device(ctx context.Context, deviceID string) (types.Device, error)
	LatestReadings(ctx context.Context, deviceID string, limit int) ([]types.Reading, error)
	OpenAlerts(ctx context.Context, deviceID string) ([]types.Alert, error)
	IngestReading(ctx context.Context, deviceID string, payload types.SensorPayload) (types.Reading, error)
}

type client struct {
	baseURL string
	token   string
	http    http.Client
}

func New(baseURL, token string) Client {
	return &client{
		baseURL: baseURL,
		token:   token,
		http: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *client) do(ctx context.Context, method, path string, body, into any) error {
	var err error
	ctx, span := tracer.Start(ctx, method+" "+path)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var reqBody io.Reader
	if body != nil {
		buf, merr := json.Marshal(body)
		if merr != nil {
			err = merr
			return err
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		err = ErrNotFound
		return err
	}

	env := envelope{}
	err = json.NewDecoder(resp.Body).Decode(&env)
	if err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}

	if !env.Success {
		if env.Error != nil {
			err = fmt.Errorf("request failed: %s (%s)", env.Error.Message, env.Error.Code)
		} else {
			err = fmt.Errorf("request failed with status %d", resp.StatusCode)
		}
		return err
	}

	if into != nil {
		err = json.Unmarshal(env.Data, into)
	}

	return err
}

func (c *client) Device(ctx context.Context, deviceID string) (types.Device, error) {
	device := types.Device{}
	err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+deviceID, nil, &device)
	return device, err
}

func (c *client) LatestReadings(ctx context.Context, deviceID string, limit int) ([]types.Reading, error) {
	readings := []types.Reading{}
	path := fmt.Sprintf("/api/v1/sensor-readings?device_id=%s&limit=%d&sortorder=desc", deviceID, limit)
	err := c.do(ctx, http.MethodGet, path, nil, &readings)
	return readings, err
}

func (c *client) OpenAlerts(ctx context.Context, deviceID string) ([]types.Alert, error) {
	alerts := []types.Alert{}
	path := "/api/v1/alerts/device/" + deviceID + "?status=unacknowledged"
	err := c.do(ctx, http.MethodGet, path, nil, &alerts)
	return alerts, err
}

func (c *client) IngestReading(ctx context.Context, deviceID string, payload types.SensorPayload) (types.Reading, error) {
	body := struct {
		DeviceID string `json:"deviceID"`
		types.SensorPayload
	}{DeviceID: deviceID, SensorPayload: payload}

	reading := types.Reading{}
	err := c.do(ctx, http.MethodPost, "/api/v1/sensor-readings", body, &reading)
	return reading, err
}
