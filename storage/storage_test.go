package storage

import (
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenDSN(MemoryDSN)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func TestOpenCreatesFileUnderDataDir(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if dbPath == "" {
		t.Fatal("expected a database path")
	}
	if err := store.RecordTransfer(TransferRecord{
		DeviceID:  "LINUX_AA",
		Filename:  "a.bin",
		Direction: TransferDirectionSend,
		Status:    TransferStatusComplete,
		StartedAt: nowUnixMilli(),
	}); err != nil {
		t.Fatalf("RecordTransfer on file-backed store failed: %v", err)
	}
}

func TestTransferHistory(t *testing.T) {
	store := newTestStore(t)

	records := []TransferRecord{
		{
			DeviceID:         "LINUX_AA",
			DeviceName:       "workstation",
			Filename:         "report.pdf",
			Filesize:         4096,
			Direction:        TransferDirectionSend,
			Status:           TransferStatusComplete,
			BytesTransferred: 4096,
			StartedAt:        1000,
			FinishedAt:       2000,
		},
		{
			DeviceID:         "DARWIN_BB",
			DeviceName:       "laptop",
			Filename:         "photo.png",
			Filesize:         8192,
			Direction:        TransferDirectionReceive,
			Status:           TransferStatusFailed,
			ErrorKind:        "network_failure",
			BytesTransferred: 1024,
			StartedAt:        3000,
			FinishedAt:       4000,
		},
	}
	for _, record := range records {
		if err := store.RecordTransfer(record); err != nil {
			t.Fatalf("RecordTransfer failed: %v", err)
		}
	}

	all, err := store.ListTransfers("", 0)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records, got %d", len(all))
	}
	if all[0].Filename != "photo.png" {
		t.Fatalf("expected newest record first, got %q", all[0].Filename)
	}

	byDevice, err := store.ListTransfers("LINUX_AA", 0)
	if err != nil {
		t.Fatalf("ListTransfers by device failed: %v", err)
	}
	if len(byDevice) != 1 || byDevice[0].Filename != "report.pdf" {
		t.Fatalf("unexpected device-filtered records: %+v", byDevice)
	}

	removed, err := store.PruneTransfers(3000)
	if err != nil {
		t.Fatalf("PruneTransfers failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned record, got %d", removed)
	}
}

func TestRecordTransferValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordTransfer(TransferRecord{
		Filename:  "a.bin",
		Direction: TransferDirectionSend,
		Status:    TransferStatusComplete,
	}); err == nil {
		t.Fatal("expected error for missing device_id")
	}
	if err := store.RecordTransfer(TransferRecord{
		DeviceID:  "LINUX_AA",
		Filename:  "a.bin",
		Direction: "sideways",
		Status:    TransferStatusComplete,
	}); err == nil {
		t.Fatal("expected error for invalid direction")
	}
	if err := store.RecordTransfer(TransferRecord{
		DeviceID:  "LINUX_AA",
		Filename:  "a.bin",
		Direction: TransferDirectionSend,
		Status:    "done",
	}); err == nil {
		t.Fatal("expected error for invalid status")
	}
}

func TestTrustedDevices(t *testing.T) {
	store := newTestStore(t)

	trusted, err := store.IsTrusted("LINUX_AA")
	if err != nil {
		t.Fatalf("IsTrusted failed: %v", err)
	}
	if trusted {
		t.Fatal("unknown device should not be trusted")
	}

	if err := store.MarkTrusted("LINUX_AA", "workstation"); err != nil {
		t.Fatalf("MarkTrusted failed: %v", err)
	}
	trusted, err = store.IsTrusted("LINUX_AA")
	if err != nil {
		t.Fatalf("IsTrusted after mark failed: %v", err)
	}
	if !trusted {
		t.Fatal("device should be trusted after MarkTrusted")
	}

	// Marking again updates the name instead of failing.
	if err := store.MarkTrusted("LINUX_AA", "renamed"); err != nil {
		t.Fatalf("MarkTrusted upsert failed: %v", err)
	}
	devices, err := store.ListTrusted()
	if err != nil {
		t.Fatalf("ListTrusted failed: %v", err)
	}
	if len(devices) != 1 || devices[0].DeviceName != "renamed" {
		t.Fatalf("unexpected trusted devices: %+v", devices)
	}

	if err := store.RemoveTrusted("LINUX_AA"); err != nil {
		t.Fatalf("RemoveTrusted failed: %v", err)
	}
	if err := store.RemoveTrusted("LINUX_AA"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound removing twice, got %v", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)

	checkpoint := TransferCheckpoint{
		DeviceID:         "LINUX_AA",
		Filename:         "backup.tar",
		Direction:        TransferDirectionReceive,
		Filesize:         1 << 20,
		BytesTransferred: 256 * 1024,
		PartPath:         "/tmp/backup.tar.part",
	}
	if err := store.UpsertCheckpoint(checkpoint); err != nil {
		t.Fatalf("UpsertCheckpoint failed: %v", err)
	}

	got, err := store.GetCheckpoint("LINUX_AA", "backup.tar", TransferDirectionReceive)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if got.BytesTransferred != checkpoint.BytesTransferred || got.PartPath != checkpoint.PartPath {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}
	if got.UpdatedAt == 0 {
		t.Fatal("expected UpdatedAt to be filled in")
	}

	checkpoint.BytesTransferred = 512 * 1024
	if err := store.UpsertCheckpoint(checkpoint); err != nil {
		t.Fatalf("UpsertCheckpoint update failed: %v", err)
	}
	got, err = store.GetCheckpoint("LINUX_AA", "backup.tar", TransferDirectionReceive)
	if err != nil {
		t.Fatalf("GetCheckpoint after update failed: %v", err)
	}
	if got.BytesTransferred != 512*1024 {
		t.Fatalf("expected updated byte count, got %d", got.BytesTransferred)
	}

	all, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(all))
	}

	if err := store.DeleteCheckpoint("LINUX_AA", "backup.tar", TransferDirectionReceive); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}
	if _, err := store.GetCheckpoint("LINUX_AA", "backup.tar", TransferDirectionReceive); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
