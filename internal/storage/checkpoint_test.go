package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/legacy-reconcile/internal/model"
)

func insertTestData(t *testing.T, store *SQLiteStorage) {
	t.Helper()
	for i, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		insert(t, store, model.EntityCustomer, fmt.Sprint(i+1), model.Fields{model.FieldEmail: email})
	}
	insert(t, store, model.EntityVehicle, "9", model.Fields{model.FieldCustomerID: "1", model.FieldPlate: "ABC123"})
	insert(t, store, model.EntityVehicle, "10", model.Fields{model.FieldCustomerID: "2", model.FieldPlate: "XYZ789"})
	require.NoError(t, store.StartRun(context.Background(), &model.Run{
		ID: "run-1", Mode: model.ModeApply, Status: model.RunStatusRunning, StartedAt: time.Now(),
	}))
}

func TestCheckpointManager_Create(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	insertTestData(t, store)

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)

	ctx := context.Background()

	tests := []struct {
		errType     error
		name        string
		tag         string
		description string
		wantErr     bool
	}{
		{
			name:        "Create checkpoint with tag",
			tag:         "test-checkpoint",
			description: "Test checkpoint",
		},
		{
			name:        "Create checkpoint without tag (auto-generated)",
			description: "Generated name",
		},
		{
			name:        "Create checkpoint with invalid tag (path traversal)",
			tag:         "../invalid",
			description: "Invalid checkpoint",
			wantErr:     true,
			errType:     ErrInvalidCheckpointID,
		},
		{
			name:        "Create duplicate checkpoint",
			tag:         "test-checkpoint",
			description: "Duplicate checkpoint",
			wantErr:     true,
			errType:     ErrCheckpointExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := manager.Create(ctx, tt.tag, tt.description)

			if tt.wantErr {
				assert.Error(t, err)
				if tt.errType != nil {
					assert.ErrorIs(t, err, tt.errType)
				}
				return
			}

			require.NoError(t, err)
			require.NotNil(t, info)

			if tt.tag != "" {
				assert.Equal(t, tt.tag, info.ID)
			} else {
				assert.Contains(t, info.ID, "checkpoint-")
			}

			assert.Equal(t, tt.description, info.Description)
			assert.Positive(t, info.FileSize)
			assert.Equal(t, 3, info.Customers)
			assert.Equal(t, 2, info.Vehicles)
			assert.Equal(t, 0, info.Applications)
			assert.Equal(t, 1, info.Runs)
			assert.Equal(t, ExpectedSchemaVersion, info.SchemaVersion)
			assert.False(t, info.IsAuto)

			dir := filepath.Join(filepath.Dir(store.Path()), "checkpoints")
			_, err = os.Stat(filepath.Join(dir, info.ID+".db"))
			assert.NoError(t, err)
			_, err = os.Stat(filepath.Join(dir, info.ID+".meta.json"))
			assert.NoError(t, err)
		})
	}
}

func TestCheckpointManager_List(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)

	ctx := context.Background()

	_, err = manager.Create(ctx, "checkpoint-1", "First checkpoint")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond) // Ensure different timestamps

	_, err = manager.Create(ctx, "checkpoint-2", "Second checkpoint")
	require.NoError(t, err)

	checkpoints, err := manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)

	// Newest first
	assert.Equal(t, "checkpoint-2", checkpoints[0].ID)
	assert.Equal(t, "checkpoint-1", checkpoints[1].ID)
	assert.Equal(t, "Second checkpoint", checkpoints[0].Description)

	info, err := manager.GetCheckpointInfo(ctx, "checkpoint-1")
	require.NoError(t, err)
	assert.Equal(t, "First checkpoint", info.Description)

	_, err = manager.GetCheckpointInfo(ctx, "missing")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestCheckpointManager_Restore(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	insertTestData(t, store)

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)

	ctx := context.Background()

	_, err = manager.Create(ctx, "restore-test", "Checkpoint for restore test")
	require.NoError(t, err)

	_, err = store.db.Exec("DELETE FROM customers WHERE legacy_id = '1'")
	require.NoError(t, err)

	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM customers").Scan(&count))
	assert.Equal(t, 2, count)

	// Restore closes the live connection itself
	require.NoError(t, manager.Restore(ctx, "restore-test"))

	reopened, err := NewSQLiteStorage(store.Path())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	found, err := reopened.FindByLegacyID(ctx, model.EntityCustomer, "1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", found.Fields.Get(model.FieldEmail))

	err = manager.Restore(ctx, "non-existent")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestCheckpointManager_Delete(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)

	ctx := context.Background()

	_, err = manager.Create(ctx, "delete-test", "Checkpoint for delete test")
	require.NoError(t, err)

	checkpoints, err := manager.List(ctx)
	require.NoError(t, err)
	assert.Len(t, checkpoints, 1)

	require.NoError(t, manager.Delete(ctx, "delete-test"))

	checkpoints, err = manager.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, checkpoints)

	checkpointPath := filepath.Join(filepath.Dir(store.Path()), "checkpoints", "delete-test.db")
	_, err = os.Stat(checkpointPath)
	assert.True(t, os.IsNotExist(err))

	err = manager.Delete(ctx, "non-existent")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestCheckpointManager_AutoCheckpoint(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)

	ctx := context.Background()

	info, err := manager.AutoCheckpoint(ctx, ApplyTrigger{})
	require.NoError(t, err)
	assert.True(t, info.IsAuto)

	checkpoints, err := manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.True(t, checkpoints[0].IsAuto)
	assert.Contains(t, checkpoints[0].ID, "auto-apply-")
	assert.Contains(t, checkpoints[0].Description, "Automatic checkpoint before apply")
}

func TestCheckpointManager_IntegrityCheck(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)

	ctx := context.Background()

	_, err = manager.Create(ctx, "integrity-test", "Checkpoint for integrity test")
	require.NoError(t, err)

	checkpointPath := filepath.Join(filepath.Dir(store.Path()), "checkpoints", "integrity-test.db")
	require.NoError(t, os.WriteFile(checkpointPath, []byte("corrupted data"), 0600))

	err = manager.Restore(ctx, "integrity-test")
	assert.ErrorIs(t, err, ErrCheckpointCorrupted)
}

func TestCheckpointManager_CollectRowCounts(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	insertTestData(t, store)

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)

	rowCounts := manager.collectRowCounts(context.Background())

	assert.Equal(t, 3, rowCounts["customers"])
	assert.Equal(t, 2, rowCounts["vehicles"])
	assert.Equal(t, 0, rowCounts["product_applications"])
	assert.Equal(t, 1, rowCounts["reconcile_runs"])
	assert.Equal(t, 0, rowCounts["reconcile_run_errors"])
}

func TestCheckpointManager_CleanupOldAutoCheckpoints(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)

	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err = manager.AutoCheckpoint(ctx, ApplyTrigger{RunID: fmt.Sprintf("run-%d", i)})
		require.NoError(t, err)
		time.Sleep(100 * time.Millisecond) // Ensure different timestamps
	}

	checkpoints, err := manager.List(ctx)
	require.NoError(t, err)

	autoCount := 0
	for _, cp := range checkpoints {
		if cp.IsAuto {
			autoCount++
		}
	}
	assert.Equal(t, 5, autoCount)
}

func TestCheckpointManager_KeepAuto(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)
	manager.KeepAuto(2)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err = manager.AutoCheckpoint(ctx, ApplyTrigger{RunID: fmt.Sprintf("keep-%d", i)})
		require.NoError(t, err)
		time.Sleep(100 * time.Millisecond)
	}

	checkpoints, err := manager.List(ctx)
	require.NoError(t, err)
	assert.Len(t, checkpoints, 2)
}

func TestCheckpointManager_ForRun(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	insertTestData(t, store)

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)

	ctx := context.Background()
	runID := "0b5c8f3e-9d2a-4c1b-8e7f-123456789abc"
	info, err := manager.AutoCheckpoint(ctx, ApplyTrigger{
		RunID:      runID,
		ExportPath: "/exports/march.xml",
		Writes:     12,
	})
	require.NoError(t, err)
	assert.True(t, info.IsAuto)
	assert.Contains(t, info.ID, "auto-apply-0b5c8f3e-")
	assert.Equal(t, "Automatic checkpoint before apply run "+runID+" of march.xml", info.Description)
	assert.Equal(t, runID, info.RunID)
	assert.Equal(t, 12, info.PlannedWrites)

	_, err = manager.Create(ctx, "manual", "")
	require.NoError(t, err)

	found, err := manager.ForRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, found.ID)
	assert.Equal(t, "/exports/march.xml", found.ExportPath)
	assert.Equal(t, 3, found.Customers)

	_, err = manager.ForRun(ctx, "other-run")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	var storedRun string
	var writes int
	require.NoError(t, store.db.QueryRow(
		"SELECT run_id, planned_writes FROM checkpoint_metadata WHERE id = ?", info.ID,
	).Scan(&storedRun, &writes))
	assert.Equal(t, runID, storedRun)
	assert.Equal(t, 12, writes)
}

func TestCheckpointManager_InvalidIDs(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)

	ctx := context.Background()
	for _, id := range []string{"../escape", `a\b`, "a/b"} {
		_, err := manager.GetCheckpointInfo(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidCheckpointID, id)
		assert.ErrorIs(t, manager.Restore(ctx, id), ErrInvalidCheckpointID, id)
		assert.ErrorIs(t, manager.Delete(ctx, id), ErrInvalidCheckpointID, id)
	}
}
