package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// MarkTrusted adds a device to the trusted set or refreshes its name.
func (s *Store) MarkTrusted(deviceID, deviceName string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO trusted_devices (device_id, device_name, added_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			last_seen_at = excluded.last_seen_at`,
		deviceID,
		deviceName,
		nowUnixMilli(),
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("mark device %q trusted: %w", deviceID, err)
	}
	return nil
}

// RemoveTrusted drops a device from the trusted set.
func (s *Store) RemoveTrusted(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM trusted_devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove trusted device %q: %w", deviceID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for trusted device %q: %w", deviceID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// IsTrusted reports whether the device is in the trusted set.
func (s *Store) IsTrusted(deviceID string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM trusted_devices WHERE device_id = ?`,
		deviceID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check trusted device %q: %w", deviceID, err)
	}
	return true, nil
}

// TouchTrusted refreshes the last-seen timestamp of a trusted device. An
// unknown device is not an error; trust is optional.
func (s *Store) TouchTrusted(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	_, err := s.db.Exec(
		`UPDATE trusted_devices SET last_seen_at = ? WHERE device_id = ?`,
		nowUnixMilli(),
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("touch trusted device %q: %w", deviceID, err)
	}
	return nil
}

// ListTrusted returns all trusted devices, most recently added first.
func (s *Store) ListTrusted() ([]TrustedDevice, error) {
	rows, err := s.db.Query(
		`SELECT device_id, device_name, added_at, COALESCE(last_seen_at, 0)
		FROM trusted_devices
		ORDER BY added_at DESC, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trusted devices: %w", err)
	}
	defer rows.Close()

	devices := make([]TrustedDevice, 0)
	for rows.Next() {
		var device TrustedDevice
		if err := rows.Scan(&device.DeviceID, &device.DeviceName, &device.AddedAt, &device.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan trusted device: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trusted devices: %w", err)
	}
	return devices, nil
}
