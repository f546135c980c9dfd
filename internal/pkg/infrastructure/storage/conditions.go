package storage

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

type ConditionFunc func(*Condition) *Condition

type Condition struct {
	DeviceID  string
	DeviceIDs []string
	AlertID   string
	ReportID  string

	Status             string
	Statuses           []string
	RegistrationStatus string
	Registered         *bool
	Parameter          string
	Severities         []string
	Acknowledged       *bool
	GeneratedBy        string

	Start time.Time
	End   time.Time

	LastSeenBefore time.Time

	ValueMin map[string]float64
	ValueMax map[string]float64

	Search string

	IncludeDeleted bool
	OnlyDeleted    bool

	sortBy    string
	sortOrder string

	// start/end apply to this column; entity queries override it.
	timeColumn string

	offset *int
	limit  *int
}

func (c Condition) SortBy() string {
	if c.sortBy == "" {
		return c.TimeColumn()
	}
	return c.sortBy
}

func (c Condition) SortOrder() string {
	if c.sortOrder == "" {
		return "DESC"
	}
	return c.sortOrder
}

func (c Condition) TimeColumn() string {
	if c.timeColumn == "" {
		return "created_on"
	}
	return c.timeColumn
}

func (c Condition) Offset() int {
	if c.offset == nil {
		return 0
	}
	return *c.offset
}

func (c Condition) Limit() int {
	if c.limit == nil {
		return 0
	}
	return *c.limit
}

func (c Condition) NamedArgs() pgx.NamedArgs {
	args := pgx.NamedArgs{}

	if c.DeviceID != "" {
		args["device_id"] = c.DeviceID
	}
	if len(c.DeviceIDs) > 0 {
		args["device_ids"] = c.DeviceIDs
	}
	if c.AlertID != "" {
		args["alert_id"] = c.AlertID
	}
	if c.ReportID != "" {
		args["report_id"] = c.ReportID
	}
	if c.Status != "" {
		args["status"] = c.Status
	}
	if len(c.Statuses) > 0 {
		args["statuses"] = c.Statuses
	}
	if c.RegistrationStatus != "" {
		args["registration_status"] = c.RegistrationStatus
	}
	if c.Parameter != "" {
		args["parameter"] = c.Parameter
	}
	if len(c.Severities) > 0 {
		args["severities"] = c.Severities
	}
	if c.Acknowledged != nil {
		args["acknowledged"] = *c.Acknowledged
	}
	if c.GeneratedBy != "" {
		args["generated_by"] = c.GeneratedBy
	}
	if !c.Start.IsZero() {
		args["start"] = c.Start.UTC()
	}
	if !c.End.IsZero() {
		args["end"] = c.End.UTC()
	}
	if !c.LastSeenBefore.IsZero() {
		args["last_seen_before"] = c.LastSeenBefore.UTC()
	}
	if c.Search != "" {
		args["search"] = fmt.Sprintf("%%%s%%", c.Search)
	}
	for col, v := range c.ValueMin {
		args[col+"_min"] = v
	}
	for col, v := range c.ValueMax {
		args[col+"_max"] = v
	}

	return args
}

func (c Condition) Where() string {
	where := []string{}

	if c.DeviceID != "" {
		where = append(where, "device_id = @device_id")
	}
	if len(c.DeviceIDs) > 0 {
		where = append(where, "device_id = ANY(@device_ids)")
	}
	if c.AlertID != "" {
		where = append(where, "alert_id = @alert_id")
	}
	if c.ReportID != "" {
		where = append(where, "report_id = @report_id")
	}
	if c.Status != "" {
		where = append(where, "status = @status")
	}
	if len(c.Statuses) > 0 {
		where = append(where, "status = ANY(@statuses)")
	}
	if c.RegistrationStatus != "" {
		where = append(where, "registration_status = @registration_status")
	}
	if c.Registered != nil {
		if *c.Registered {
			where = append(where, "registration_status = 'registered'")
		} else {
			where = append(where, "registration_status <> 'registered'")
		}
	}
	if c.Parameter != "" {
		where = append(where, "parameter = @parameter")
	}
	if len(c.Severities) > 0 {
		where = append(where, "severity = ANY(@severities)")
	}
	if c.Acknowledged != nil {
		where = append(where, "acknowledged = @acknowledged")
	}
	if c.GeneratedBy != "" {
		where = append(where, "generated_by = @generated_by")
	}
	if !c.Start.IsZero() {
		where = append(where, fmt.Sprintf("%s >= @start", c.TimeColumn()))
	}
	if !c.End.IsZero() {
		where = append(where, fmt.Sprintf("%s <= @end", c.TimeColumn()))
	}
	if !c.LastSeenBefore.IsZero() {
		where = append(where, "last_seen < @last_seen_before")
	}
	if c.Search != "" {
		where = append(where, "(device_id ILIKE @search OR data ->> 'name' ILIKE @search)")
	}
	for _, col := range sortedKeys(c.ValueMin) {
		where = append(where, fmt.Sprintf("%s >= @%s_min", col, col))
	}
	for _, col := range sortedKeys(c.ValueMax) {
		where = append(where, fmt.Sprintf("%s <= @%s_max", col, col))
	}

	if c.OnlyDeleted {
		where = append(where, "deleted = TRUE")
	} else if !c.IncludeDeleted {
		where = append(where, "deleted = FALSE")
	}

	if len(where) == 0 {
		return ""
	}

	return "WHERE " + strings.Join(where, " AND ")
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// tiny maps only, insertion sort keeps the query text deterministic
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

var re = regexp.MustCompile(`[^a-zA-Z0-9 _.:-]+|[%]`)

func WithSearch(s string) ConditionFunc {
	return func(c *Condition) *Condition {
		s = re.ReplaceAllString(s, "")
		c.Search = strings.TrimSpace(s)
		return c
	}
}

func WithDeviceID(deviceID string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.DeviceID = deviceID
		return c
	}
}

func WithDeviceIDs(deviceIDs []string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.DeviceIDs = deviceIDs
		return c
	}
}

func WithAlertID(alertID string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.AlertID = alertID
		return c
	}
}

func WithReportID(reportID string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.ReportID = reportID
		return c
	}
}

func WithStatus(status string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Status = status
		return c
	}
}

func WithStatuses(statuses []string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Statuses = statuses
		return c
	}
}

func WithRegistrationStatus(status string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.RegistrationStatus = status
		return c
	}
}

func WithRegistered(registered bool) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Registered = &registered
		return c
	}
}

func WithParameter(parameter string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Parameter = parameter
		return c
	}
}

func WithSeverities(severities []string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Severities = severities
		return c
	}
}

func WithAcknowledged(acknowledged bool) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Acknowledged = &acknowledged
		return c
	}
}

func WithGeneratedBy(principal string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.GeneratedBy = principal
		return c
	}
}

func WithTimeRange(start, end time.Time) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Start = start
		c.End = end
		return c
	}
}

func WithLastSeenBefore(ts time.Time) ConditionFunc {
	return func(c *Condition) *Condition {
		c.LastSeenBefore = ts
		return c
	}
}

func WithValueRange(column string, min, max *float64) ConditionFunc {
	return func(c *Condition) *Condition {
		if min != nil {
			if c.ValueMin == nil {
				c.ValueMin = map[string]float64{}
			}
			c.ValueMin[column] = *min
		}
		if max != nil {
			if c.ValueMax == nil {
				c.ValueMax = map[string]float64{}
			}
			c.ValueMax[column] = *max
		}
		return c
	}
}

func WithDeleted() ConditionFunc {
	return func(c *Condition) *Condition {
		c.IncludeDeleted = true
		return c
	}
}

func WithOnlyDeleted() ConditionFunc {
	return func(c *Condition) *Condition {
		c.OnlyDeleted = true
		c.IncludeDeleted = true
		return c
	}
}

func WithOffset(offset int) ConditionFunc {
	return func(c *Condition) *Condition {
		c.offset = &offset
		return c
	}
}

func WithLimit(limit int) ConditionFunc {
	return func(c *Condition) *Condition {
		c.limit = &limit
		return c
	}
}

func WithSortBy(sortBy string) ConditionFunc {
	return func(c *Condition) *Condition {
		switch strings.ToLower(sortBy) {
		case "timestamp", "ts":
			c.sortBy = "ts"
		case "created", "created_on", "createdat":
			c.sortBy = "created_on"
		case "last_seen", "lastseen":
			c.sortBy = "last_seen"
		case "severity":
			c.sortBy = "severity"
		case "device_id", "deviceid":
			c.sortBy = "device_id"
		case "expires_on", "expiresat":
			c.sortBy = "expires_on"
		}
		return c
	}
}

func WithSortDesc(desc bool) ConditionFunc {
	return func(c *Condition) *Condition {
		if desc {
			c.sortOrder = "DESC"
		} else {
			c.sortOrder = "ASC"
		}
		return c
	}
}
