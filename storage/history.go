package storage

import (
	"errors"
	"fmt"
)

// RecordTransfer appends one finished transfer to the history.
func (s *Store) RecordTransfer(record TransferRecord) error {
	if record.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if record.Filename == "" {
		return errors.New("filename is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if err := validateStatus(record.Status); err != nil {
		return err
	}
	if record.FinishedAt == 0 {
		record.FinishedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_history (
			device_id,
			device_name,
			filename,
			filesize,
			direction,
			status,
			error_kind,
			bytes_transferred,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.DeviceID,
		record.DeviceName,
		record.Filename,
		record.Filesize,
		record.Direction,
		record.Status,
		record.ErrorKind,
		record.BytesTransferred,
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer record %q: %w", record.Filename, err)
	}
	return nil
}

// ListTransfers returns history rows, newest first. A zero limit returns
// everything; a non-empty deviceID narrows to one peer.
func (s *Store) ListTransfers(deviceID string, limit int) ([]TransferRecord, error) {
	query := `SELECT
		id,
		device_id,
		device_name,
		filename,
		filesize,
		direction,
		status,
		error_kind,
		bytes_transferred,
		started_at,
		finished_at
	FROM transfer_history`
	args := make([]any, 0, 2)
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY finished_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfer history: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		var record TransferRecord
		if err := rows.Scan(
			&record.ID,
			&record.DeviceID,
			&record.DeviceName,
			&record.Filename,
			&record.Filesize,
			&record.Direction,
			&record.Status,
			&record.ErrorKind,
			&record.BytesTransferred,
			&record.StartedAt,
			&record.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer records: %w", err)
	}
	return records, nil
}

// PruneTransfers deletes history rows finished before the cutoff and
// returns how many were removed.
func (s *Store) PruneTransfers(beforeUnixMilli int64) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM transfer_history WHERE finished_at < ?`,
		beforeUnixMilli,
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfer history: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read pruned row count: %w", err)
	}
	return removed, nil
}
