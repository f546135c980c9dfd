package devicemanagement

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/aquawatch/water-quality-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// SeedDevices loads a semicolon separated fleet inventory and upserts
// every row. Seeded devices come up approved so a fresh install starts
// accepting readings without a manual approval round.
//
// deviceID;name;type;sensors;building;floor;notes
func SeedDevices(ctx context.Context, s DeviceStorage, devices io.ReadCloser) error {
	log := logging.GetFromContext(ctx)
	defer devices.Close()

	r := csv.NewReader(devices)
	r.Comma = ';'

	rows, err := r.ReadAll()
	if err != nil {
		return err
	}

	records, err := getRecordsFromRows(rows)
	if err != nil {
		return err
	}

	log.Info("loaded devices from file", slog.Int("rows", len(rows)), slog.Int("records", len(records)))

	for _, record := range records {
		err := s.UpsertDevice(ctx, record.mapToDevice())
		if err != nil {
			return err
		}
	}
	return nil
}

type deviceRecord struct {
	deviceID string
	name     string
	devType  string
	sensors  []string
	building string
	floor    string
	notes    string
}

func (dr deviceRecord) mapToDevice() types.Device {
	return types.Device{
		DeviceID:           dr.deviceID,
		Name:               dr.name,
		Type:               dr.devType,
		Sensors:            dr.sensors,
		Status:             types.DeviceOffline,
		RegistrationStatus: types.RegistrationRegistered,
		IsRegistered:       true,
		Location: types.Location{
			Building: dr.building,
			Floor:    dr.floor,
			Notes:    dr.notes,
		},
	}
}

func newDeviceRecord(r []string) (deviceRecord, error) {
	strToArr := func(str string) []string {
		if str == "" {
			return nil
		}
		arr := strings.Split(str, ",")
		for i, a := range arr {
			arr[i] = strings.ToLower(strings.TrimSpace(a))
		}
		return arr
	}

	dr := deviceRecord{
		deviceID: strings.TrimSpace(r[0]),
		name:     r[1],
		devType:  strings.ToLower(r[2]),
		sensors:  strToArr(r[3]),
		building: r[4],
		floor:    r[5],
		notes:    r[6],
	}

	err := validateDeviceRecord(dr)
	if err != nil {
		return deviceRecord{}, err
	}

	return dr, nil
}

func validateDeviceRecord(r deviceRecord) error {
	if r.deviceID == "" {
		return fmt.Errorf("row is missing a device id")
	}

	if !slices.Contains([]string{"", "esp32", "esp8266", "virtual"}, r.devType) {
		return fmt.Errorf("row with %s contains invalid type parameter %s", r.deviceID, r.devType)
	}

	for _, sensor := range r.sensors {
		if !slices.Contains([]string{"ph", "turbidity", "tds"}, sensor) {
			return fmt.Errorf("row with %s contains invalid sensor %s", r.deviceID, sensor)
		}
	}

	return nil
}

func getRecordsFromRows(rows [][]string) ([]deviceRecord, error) {
	records := []deviceRecord{}

	for i, row := range rows {
		if i == 0 {
			continue
		}
		if len(row) < 7 {
			return nil, fmt.Errorf("row %d has %d columns, expected 7", i, len(row))
		}
		rec, err := newDeviceRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}
