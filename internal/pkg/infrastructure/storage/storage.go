package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	host     string
	user     string
	password string
	port     string
	dbname   string
	sslmode  string
}

func (c Config) ConnStr() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.user, c.password, c.host, c.port, c.dbname, c.sslmode)
}

func NewConfig(host, user, password, port, dbname, sslmode string) Config {
	return Config{
		host:     host,
		user:     user,
		password: password,
		port:     port,
		dbname:   dbname,
		sslmode:  sslmode,
	}
}

func NewPool(ctx context.Context, config Config) (*pgxpool.Pool, error) {
	p, err := pgxpool.New(ctx, config.ConnStr())
	if err != nil {
		return nil, err
	}

	err = p.Ping(ctx)
	if err != nil {
		return nil, err
	}

	return p, nil
}

var (
	ErrNoRows       = errors.New("no rows in result set")
	ErrQueryRow     = errors.New("could not execute query")
	ErrStoreFailed  = errors.New("could not store data")
	ErrNoID         = errors.New("data contains no id")
	ErrAlreadyExist = errors.New("already exists")
	ErrDeleted      = errors.New("deleted")
)

type Storage struct {
	pool *pgxpool.Pool
}

func NewWithPool(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool}
}

func New(ctx context.Context, config Config) (*Storage, error) {
	pool, err := NewPool(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Storage{pool: pool}, nil
}

func (s *Storage) CreateTables(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS devices (
			device_id			TEXT	NOT NULL,
			data				JSONB	NOT NULL,
			status				TEXT	NOT NULL DEFAULT 'offline',
			registration_status	TEXT	NOT NULL DEFAULT 'pending',
			registered_on		timestamp with time zone NULL,
			last_seen			timestamp with time zone NOT NULL DEFAULT to_timestamp(0),
			created_on			timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			modified_on			timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deleted				BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_on			timestamp with time zone NULL,
			purge_after			timestamp with time zone NULL,
			CONSTRAINT pkey_devices_unique PRIMARY KEY (device_id, deleted)
		);

		CREATE TABLE IF NOT EXISTS readings (
			device_id		TEXT	NOT NULL,
			ts				timestamp with time zone NOT NULL,
			ph				DOUBLE PRECISION NULL,
			turbidity		DOUBLE PRECISION NULL,
			tds				DOUBLE PRECISION NULL,
			ph_valid		BOOLEAN NOT NULL DEFAULT FALSE,
			turbidity_valid	BOOLEAN NOT NULL DEFAULT FALSE,
			tds_valid		BOOLEAN NOT NULL DEFAULT FALSE,
			created_on		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deleted			BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_on		timestamp with time zone NULL,
			purge_after		timestamp with time zone NULL
		);

		CREATE TABLE IF NOT EXISTS alerts (
			alert_id			TEXT	NOT NULL,
			device_id			TEXT	NOT NULL,
			device_name			TEXT	NULL,
			parameter			TEXT	NOT NULL,
			severity			TEXT	NOT NULL,
			value				DOUBLE PRECISION NOT NULL,
			threshold			DOUBLE PRECISION NOT NULL,
			current_value		DOUBLE PRECISION NOT NULL,
			message				TEXT	NULL,
			status				TEXT	NOT NULL DEFAULT 'unacknowledged',
			acknowledged		BOOLEAN NOT NULL DEFAULT FALSE,
			acknowledged_on		timestamp with time zone NULL,
			acknowledged_by		TEXT	NULL,
			resolved_on			timestamp with time zone NULL,
			resolved_by			TEXT	NULL,
			resolution_notes	TEXT	NULL,
			occurrence_count	INT		NOT NULL DEFAULT 1,
			first_occurrence	timestamp with time zone NOT NULL,
			last_occurrence		timestamp with time zone NOT NULL,
			email_sent			BOOLEAN NOT NULL DEFAULT FALSE,
			superseded			BOOLEAN NOT NULL DEFAULT FALSE,
			created_on			timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			modified_on			timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deleted				BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_on			timestamp with time zone NULL,
			purge_after			timestamp with time zone NULL,
			CONSTRAINT pkey_alerts PRIMARY KEY (alert_id)
		);

		CREATE TABLE IF NOT EXISTS reports (
			report_id		TEXT	NOT NULL,
			type			TEXT	NOT NULL,
			title			TEXT	NOT NULL,
			description		TEXT	NULL,
			status			TEXT	NOT NULL DEFAULT 'generating',
			format			TEXT	NOT NULL,
			parameters		JSONB	NOT NULL DEFAULT '{}',
			file			JSONB	NULL,
			generated_by	TEXT	NOT NULL,
			generated_on	timestamp with time zone NULL,
			error_message	TEXT	NULL,
			created_on		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_on		timestamp with time zone NOT NULL,
			CONSTRAINT pkey_reports PRIMARY KEY (report_id)
		);

		CREATE INDEX IF NOT EXISTS readings_device_ts_idx ON readings (device_id, ts DESC) WHERE NOT deleted;
		CREATE INDEX IF NOT EXISTS readings_ts_device_idx ON readings (ts, device_id);
		CREATE INDEX IF NOT EXISTS readings_tombstone_idx ON readings (deleted, purge_after);

		CREATE UNIQUE INDEX IF NOT EXISTS alerts_open_unique_idx ON alerts (device_id, parameter, severity) WHERE NOT acknowledged AND NOT superseded AND NOT deleted;
		CREATE INDEX IF NOT EXISTS alerts_device_created_idx ON alerts (device_id, created_on DESC) WHERE NOT deleted;
		CREATE INDEX IF NOT EXISTS alerts_tombstone_idx ON alerts (deleted, purge_after);

		CREATE INDEX IF NOT EXISTS devices_status_idx ON devices (status, last_seen) WHERE NOT deleted;
		CREATE INDEX IF NOT EXISTS devices_tombstone_idx ON devices (deleted, purge_after);

		CREATE INDEX IF NOT EXISTS reports_expires_idx ON reports (expires_on);
	`)
	if err != nil {
		return err
	}

	return nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Storage) Close() {
	s.pool.Close()
}
