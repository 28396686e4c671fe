package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// DeviceSettings is the persisted configuration of one physical device.
type DeviceSettings struct {
	DeviceID    string
	Name        string
	AutoConnect bool
	LastProfile string
	OutputPath  string
	SharedID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeviceRepository provides CRUD operations for device settings.
type DeviceRepository struct {
	db *sql.DB
}

// Devices returns the device repository for this store.
func (s *Store) Devices() *DeviceRepository {
	return &DeviceRepository{db: s.db}
}

const deviceColumns = `id, name, auto_connect, last_profile, output_path, shared_id, created_at, updated_at`

// Get retrieves the settings of one device.
func (r *DeviceRepository) Get(id string) (*DeviceSettings, error) {
	d, err := scanDevice(r.db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// List retrieves every known device ordered by id.
func (r *DeviceRepository) List() ([]*DeviceSettings, error) {
	rows, err := r.db.Query(`SELECT ` + deviceColumns + ` FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*DeviceSettings
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return devices, nil
}

// Save inserts or replaces the settings of d.DeviceID.
func (r *DeviceRepository) Save(d *DeviceSettings) error {
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := r.db.Exec(
		`INSERT INTO devices (id, name, auto_connect, last_profile, output_path, shared_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			auto_connect = excluded.auto_connect,
			last_profile = excluded.last_profile,
			output_path = excluded.output_path,
			shared_id = excluded.shared_id,
			updated_at = excluded.updated_at`,
		d.DeviceID, d.Name, boolToInt(d.AutoConnect), d.LastProfile, d.OutputPath, d.SharedID, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

// SetProfile records the last profile applied to a device, creating the
// row if the device was unknown.
func (r *DeviceRepository) SetProfile(id, profile string) error {
	_, err := r.db.Exec(
		`INSERT INTO devices (id, last_profile, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_profile = excluded.last_profile, updated_at = excluded.updated_at`,
		id, profile, time.Now(), time.Now(),
	)
	return err
}

// SetOutput records the output selection of a device.
func (r *DeviceRepository) SetOutput(id, path, sharedID string) error {
	_, err := r.db.Exec(
		`INSERT INTO devices (id, output_path, shared_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET output_path = excluded.output_path, shared_id = excluded.shared_id, updated_at = excluded.updated_at`,
		id, path, sharedID, time.Now(), time.Now(),
	)
	return err
}

// SetAutoConnect toggles whether the device starts as soon as it is seen.
func (r *DeviceRepository) SetAutoConnect(id string, enabled bool) error {
	_, err := r.db.Exec(
		`INSERT INTO devices (id, auto_connect, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET auto_connect = excluded.auto_connect, updated_at = excluded.updated_at`,
		id, boolToInt(enabled), time.Now(), time.Now(),
	)
	return err
}

// Delete removes a device by its id.
func (r *DeviceRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*DeviceSettings, error) {
	d := &DeviceSettings{}
	var autoConnect int
	if err := row.Scan(&d.DeviceID, &d.Name, &autoConnect, &d.LastProfile, &d.OutputPath, &d.SharedID, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.AutoConnect = autoConnect != 0
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
