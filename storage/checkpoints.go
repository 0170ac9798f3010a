package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertCheckpoint saves resume state for an interrupted transfer.
func (s *Store) UpsertCheckpoint(checkpoint TransferCheckpoint) error {
	if checkpoint.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if checkpoint.Filename == "" {
		return errors.New("filename is required")
	}
	if err := validateDirection(checkpoint.Direction); err != nil {
		return err
	}
	if checkpoint.BytesTransferred < 0 {
		return errors.New("bytes_transferred must be >= 0")
	}
	if checkpoint.UpdatedAt == 0 {
		checkpoint.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_checkpoints (
			device_id,
			filename,
			direction,
			filesize,
			bytes_transferred,
			part_path,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, filename, direction) DO UPDATE SET
			filesize = excluded.filesize,
			bytes_transferred = excluded.bytes_transferred,
			part_path = excluded.part_path,
			updated_at = excluded.updated_at`,
		checkpoint.DeviceID,
		checkpoint.Filename,
		checkpoint.Direction,
		checkpoint.Filesize,
		checkpoint.BytesTransferred,
		checkpoint.PartPath,
		checkpoint.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint %q/%q: %w", checkpoint.DeviceID, checkpoint.Filename, err)
	}
	return nil
}

// GetCheckpoint fetches resume state for one device, file, and direction.
func (s *Store) GetCheckpoint(deviceID, filename, direction string) (*TransferCheckpoint, error) {
	if deviceID == "" {
		return nil, errors.New("device_id is required")
	}
	if filename == "" {
		return nil, errors.New("filename is required")
	}
	if err := validateDirection(direction); err != nil {
		return nil, err
	}

	var checkpoint TransferCheckpoint
	err := s.db.QueryRow(
		`SELECT
			device_id,
			filename,
			direction,
			filesize,
			bytes_transferred,
			part_path,
			updated_at
		FROM transfer_checkpoints
		WHERE device_id = ? AND filename = ? AND direction = ?`,
		deviceID,
		filename,
		direction,
	).Scan(
		&checkpoint.DeviceID,
		&checkpoint.Filename,
		&checkpoint.Direction,
		&checkpoint.Filesize,
		&checkpoint.BytesTransferred,
		&checkpoint.PartPath,
		&checkpoint.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %q/%q: %w", deviceID, filename, err)
	}
	return &checkpoint, nil
}

// DeleteCheckpoint removes resume state once a transfer finishes or is
// abandoned.
func (s *Store) DeleteCheckpoint(deviceID, filename, direction string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if filename == "" {
		return errors.New("filename is required")
	}
	if err := validateDirection(direction); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`DELETE FROM transfer_checkpoints
		WHERE device_id = ? AND filename = ? AND direction = ?`,
		deviceID,
		filename,
		direction,
	)
	if err != nil {
		return fmt.Errorf("delete checkpoint %q/%q: %w", deviceID, filename, err)
	}
	return nil
}

// ListCheckpoints returns saved resume states, newest first.
func (s *Store) ListCheckpoints() ([]TransferCheckpoint, error) {
	rows, err := s.db.Query(
		`SELECT
			device_id,
			filename,
			direction,
			filesize,
			bytes_transferred,
			part_path,
			updated_at
		FROM transfer_checkpoints
		ORDER BY updated_at DESC, device_id, filename`,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := make([]TransferCheckpoint, 0)
	for rows.Next() {
		var checkpoint TransferCheckpoint
		if err := rows.Scan(
			&checkpoint.DeviceID,
			&checkpoint.Filename,
			&checkpoint.Direction,
			&checkpoint.Filesize,
			&checkpoint.BytesTransferred,
			&checkpoint.PartPath,
			&checkpoint.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, checkpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return checkpoints, nil
}
