package types

import "time"

type Collection[T any] struct {
	Data       []T    `json:"data"`
	Count      uint64 `json:"count"`
	Offset     uint64 `json:"offset"`
	Limit      uint64 `json:"limit"`
	TotalCount uint64 `json:"totalCount"`
}

const (
	DeviceOnline  string = "online"
	DeviceOffline string = "offline"

	RegistrationPending    string = "pending"
	RegistrationRegistered string = "registered"
)

type Location struct {
	Building string `json:"building,omitempty"`
	Floor    string `json:"floor,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Tombstone carries the soft delete markers shared by devices, readings
// and alerts. A tombstoned row is excluded from every default query and
// swept permanently once ScheduledPermanentDeletionAt has passed.
type Tombstone struct {
	IsDeleted                    bool       `json:"isDeleted"`
	DeletedAt                    *time.Time `json:"deletedAt,omitempty"`
	ScheduledPermanentDeletionAt *time.Time `json:"scheduledPermanentDeletionAt,omitempty"`
}

type Device struct {
	DeviceID           string     `json:"deviceID"`
	Name               string     `json:"name,omitempty"`
	Type               string     `json:"type,omitempty"`
	FirmwareVersion    string     `json:"firmwareVersion,omitempty"`
	MACAddress         string     `json:"macAddress,omitempty"`
	IPAddress          string     `json:"ipAddress,omitempty"`
	Sensors            []string   `json:"sensors,omitempty"`
	Location           Location   `json:"location"`
	Status             string     `json:"status"`
	RegistrationStatus string     `json:"registrationStatus"`
	IsRegistered       bool       `json:"isRegistered"`
	RegisteredAt       *time.Time `json:"registeredAt,omitempty"`
	LastSeen           time.Time  `json:"lastSeen"`

	Tombstone

	// LatestReading is populated on enriched listings only.
	LatestReading *Reading `json:"latestReading,omitempty"`
}

type Reading struct {
	DeviceID  string    `json:"deviceID"`
	Timestamp time.Time `json:"timestamp"`

	PH        *float64 `json:"pH,omitempty"`
	Turbidity *float64 `json:"turbidity,omitempty"`
	TDS       *float64 `json:"tds,omitempty"`

	PHValid        bool `json:"pH_valid"`
	TurbidityValid bool `json:"turbidity_valid"`
	TDSValid       bool `json:"tds_valid"`

	Tombstone
}

type Parameter string

const (
	ParameterPH        Parameter = "pH"
	ParameterTurbidity Parameter = "turbidity"
	ParameterTDS       Parameter = "tds"
)

func Parameters() []Parameter {
	return []Parameter{ParameterPH, ParameterTurbidity, ParameterTDS}
}

type Severity string

const (
	SeverityAdvisory Severity = "advisory"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type AlertStatus string

const (
	AlertUnacknowledged AlertStatus = "unacknowledged"
	AlertAcknowledged   AlertStatus = "acknowledged"
	AlertResolved       AlertStatus = "resolved"
)

type Alert struct {
	ID             string      `json:"alertID"`
	DeviceID       string      `json:"deviceID"`
	DeviceName     string      `json:"deviceName,omitempty"`
	Parameter      Parameter   `json:"parameter"`
	Severity       Severity    `json:"severity"`
	Value          float64     `json:"value"`
	Threshold      float64     `json:"threshold"`
	CurrentValue   float64     `json:"currentValue"`
	Message        string      `json:"message,omitempty"`
	Status         AlertStatus `json:"status"`
	Acknowledged   bool        `json:"acknowledged"`
	AcknowledgedAt *time.Time  `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string      `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time  `json:"resolvedAt,omitempty"`
	ResolvedBy     string      `json:"resolvedBy,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`

	OccurrenceCount int       `json:"occurrenceCount"`
	FirstOccurrence time.Time `json:"firstOccurrence"`
	LastOccurrence  time.Time `json:"lastOccurrence"`

	EmailSent bool      `json:"emailSent"`
	CreatedAt time.Time `json:"createdAt"`

	Tombstone
}

type ReportStatus string

const (
	ReportGenerating ReportStatus = "generating"
	ReportCompleted  ReportStatus = "completed"
	ReportFailed     ReportStatus = "failed"
)

type ReportFile struct {
	Handle      string `json:"handle"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

type Report struct {
	ID           string         `json:"reportID"`
	Type         string         `json:"type"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Status       ReportStatus   `json:"status"`
	Format       string         `json:"format"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	File         *ReportFile    `json:"file,omitempty"`
	GeneratedBy  string         `json:"generatedBy"`
	GeneratedAt  *time.Time     `json:"generatedAt,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	ExpiresAt    time.Time      `json:"expiresAt"`
}

type ChannelStats struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

type ReadingStats struct {
	Count    int64                      `json:"count"`
	Channels map[Parameter]ChannelStats `json:"channels"`
	Start    time.Time                  `json:"start"`
	End      time.Time                  `json:"end"`
}

type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
	GranularityWeek   Granularity = "week"
	GranularityMonth  Granularity = "month"
)

type ReadingBucket struct {
	BucketKey string                     `json:"bucketKey"`
	Timestamp time.Time                  `json:"timestamp"`
	Count     int64                      `json:"count"`
	Channels  map[Parameter]ChannelStats `json:"channels"`
}

type DeviceStats struct {
	Total      int64 `json:"total"`
	Online     int64 `json:"online"`
	Offline    int64 `json:"offline"`
	Pending    int64 `json:"pending"`
	Registered int64 `json:"registered"`
	Deleted    int64 `json:"deleted"`
}

type AlertStats struct {
	Total       int64            `json:"total"`
	BySeverity  map[string]int64 `json:"bySeverity"`
	ByStatus    map[string]int64 `json:"byStatus"`
	ByParameter map[string]int64 `json:"byParameter"`
}

type ReportStats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"byStatus"`
	ByType   map[string]int64 `json:"byType"`
}
