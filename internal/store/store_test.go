package store_test

// ============================================================================
// Store Test File
// Purpose: Verify schema, claim primitive, unique conflict detection
// ============================================================================

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ChuLiYu/flowqueue/internal/store"
	"github.com/ChuLiYu/flowqueue/internal/store/storetest"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := store.Open(store.Config{Driver: "oracle"})
	assert.Error(t, err)
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	_, err := store.Open(store.Config{Driver: "postgres"})
	assert.Error(t, err)
}

func TestOpenCreatesTables(t *testing.T) {
	s := storetest.New(t)
	db := s.DB(context.Background())
	for _, table := range []string{"tasks_queue", "tasks_details", "task_locks", "workers", "background_job_locks"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, store.DriverSQLite, s.Driver())
}

func TestReopenKeepsData(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "reopen.db")
	s, err := store.Open(store.Config{DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, s.DB(context.Background()).Create(&store.TaskQueue{}).Error)
	require.NoError(t, s.Close())

	s, err = store.Open(store.Config{DSN: dsn})
	require.NoError(t, err)
	defer s.Close()
	var n int64
	require.NoError(t, s.DB(context.Background()).Model(&store.TaskQueue{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestWithClock(t *testing.T) {
	fixed := time.Date(2030, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	s := storetest.New(t, store.WithClock(func() time.Time { return fixed }))
	assert.Equal(t, time.UTC, s.Now().Location())
	assert.True(t, fixed.Equal(s.Now()))
}

// ============================================================================
// Claim primitive
// ============================================================================

func TestClaimInsertConflict(t *testing.T) {
	s := storetest.New(t)
	db := s.DB(context.Background())

	ok, err := store.ClaimInsert(db, &store.TaskLock{TaskID: 7, WorkerID: "a", LockedAt: s.Now()}, "task_id")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimInsert(db, &store.TaskLock{TaskID: 7, WorkerID: "b", LockedAt: s.Now()}, "task_id")
	require.NoError(t, err)
	assert.False(t, ok)

	var lock store.TaskLock
	require.NoError(t, db.Where("task_id = ?", 7).First(&lock).Error)
	assert.Equal(t, "a", lock.WorkerID, "a conflicting insert must not overwrite")
}

func TestClaimInsertConcurrent(t *testing.T) {
	s := storetest.New(t)
	const n = 16

	var wg sync.WaitGroup
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimInsert(s.DB(context.Background()),
				&store.BackgroundJobLock{JobName: "sweeper"}, "job_name")
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestClaimUpdate(t *testing.T) {
	s := storetest.New(t)
	db := s.DB(context.Background())
	require.NoError(t, db.Create(&store.BackgroundJobLock{JobName: "j"}).Error)

	holder := "me"
	ok, err := store.ClaimUpdate(db, &store.BackgroundJobLock{},
		map[string]any{"worker_id": holder},
		"job_name = ? AND worker_id IS NULL", "j")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimUpdate(db, &store.BackgroundJobLock{},
		map[string]any{"worker_id": "other"},
		"job_name = ? AND worker_id IS NULL", "j")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsUniqueViolation(t *testing.T) {
	s := storetest.New(t)
	db := s.DB(context.Background())
	require.NoError(t, db.Create(&store.TaskLock{TaskID: 1, LockedAt: s.Now()}).Error)
	err := db.Create(&store.TaskLock{TaskID: 1, LockedAt: s.Now()}).Error
	require.Error(t, err)
	assert.True(t, store.IsUniqueViolation(err))

	assert.False(t, store.IsUniqueViolation(nil))
	assert.False(t, store.IsUniqueViolation(errors.New("boom")))
	assert.False(t, store.IsUniqueViolation(gorm.ErrRecordNotFound))
}

func TestTransactionRollsBack(t *testing.T) {
	s := storetest.New(t)
	boom := errors.New("boom")
	err := s.Transaction(context.Background(), func(tx *gorm.DB) error {
		require.NoError(t, tx.Create(&store.TaskQueue{}).Error)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int64
	require.NoError(t, s.DB(context.Background()).Model(&store.TaskQueue{}).Count(&n).Error)
	assert.Zero(t, n)
}

// ============================================================================
// Conversions
// ============================================================================

func TestTaskRowRoundTrip(t *testing.T) {
	s := storetest.New(t)
	db := s.DB(context.Background())

	parent := types.TaskID(3)
	pin := "u:h:[gpu]:0"
	task := &types.Task{
		TaskID:       9,
		Name:         "upscale",
		Priority:     4,
		InputParams:  map[string]any{"scale": 2.0},
		FlowComfy:    map[string]any{"1": map[string]any{"class_type": "Loader", "inputs": map[string]any{"seed": 42.0}}},
		Outputs:      []types.OutputDescriptor{{ComfyNodeID: "5", Type: "image"}},
		UserID:       "alice",
		ParentTaskID: &parent,
		CustomWorker: &pin,
		CreatedAt:    s.Now().Truncate(time.Microsecond),
	}
	require.NoError(t, db.Create(store.TaskDetailsFromTask(task)).Error)

	var row store.TaskDetails
	require.NoError(t, db.First(&row, "task_id = ?", 9).Error)
	got := row.ToTask()

	assert.Equal(t, task.Name, got.Name)
	assert.Equal(t, task.Priority, got.Priority)
	assert.Equal(t, 2.0, got.InputParams["scale"])
	assert.Equal(t, task.FlowComfy, got.FlowComfy, "nested numbers come back as float64")
	assert.Equal(t, task.Outputs, got.Outputs)
	require.NotNil(t, got.ParentTaskID)
	assert.Equal(t, parent, *got.ParentTaskID)
	require.NotNil(t, got.CustomWorker)
	assert.Equal(t, pin, *got.CustomWorker)
	assert.Nil(t, got.UpdatedAt)
	assert.Nil(t, got.FinishedAt)
	assert.Nil(t, got.WorkerID)
	assert.Equal(t, "", got.Error)
}
