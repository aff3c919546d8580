package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/renderflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "renderflow_test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err, "failed to create sqlite store")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteJobLifecycle(t *testing.T) {
	testJobLifecycle(t, newSQLiteTestStore(t))
}

func TestSQLiteTerminalImmutability(t *testing.T) {
	testTerminalImmutability(t, newSQLiteTestStore(t))
}

func TestSQLitePersistenceAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "renderflow_test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	job := newTestJob("job-durable", "user-1", 3)
	require.NoError(t, s.CreateJob(job))

	claimed, err := s.ClaimNextJob("worker-1")
	require.NoError(t, err)
	require.Equal(t, "job-durable", claimed.ID)
	require.NoError(t, s.UpdateJobProgress("job-durable", 25))
	require.NoError(t, s.Close())

	// Reopen: the processing row must still be there, exactly as left
	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetJob("job-durable")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, "worker-1", got.WorkerID)
	assert.Equal(t, 25, got.Progress)
	assert.NotNil(t, got.StartedAt)
	assert.Len(t, got.Transitions, 1)
	assert.Equal(t, 720, got.Project.Height, "project snapshot must survive reopen")
}

func TestSQLiteClaimOrdering(t *testing.T) {
	s := newSQLiteTestStore(t)
	now := time.Now()

	require.NoError(t, s.CreateJob(jobAt("standard-old", 2, now.Add(-2*time.Second))))
	require.NoError(t, s.CreateJob(jobAt("ultra-new", 4, now.Add(-1*time.Second))))
	require.NoError(t, s.CreateJob(jobAt("aged-draft", 1, now.Add(-20*time.Minute))))

	// aged draft boosts 1+3=4, ties with ultra, wins on age
	want := []string{"aged-draft", "ultra-new", "standard-old"}
	for i, wantID := range want {
		claimed, err := s.ClaimNextJob("worker-1")
		require.NoError(t, err, "claim %d", i)
		assert.Equal(t, wantID, claimed.ID, "claim %d", i)
	}

	_, err := s.ClaimNextJob("worker-1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSQLiteConcurrentClaims(t *testing.T) {
	s := newSQLiteTestStore(t)

	numJobs := 12
	for i := 0; i < numJobs; i++ {
		require.NoError(t, s.CreateJob(newTestJob(fmt.Sprintf("job-%02d", i), "user-claim", 2)))
	}

	numWorkers := 8
	var wg sync.WaitGroup
	claims := make(chan string, numJobs+numWorkers)

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for {
				job, err := s.ClaimNextJob(fmt.Sprintf("worker-%d", idx))
				if err == ErrJobNotFound {
					return
				}
				if err != nil {
					t.Errorf("worker %d claim failed: %v", idx, err)
					return
				}
				claims <- job.ID
			}
		}(i)
	}

	wg.Wait()
	close(claims)

	seen := make(map[string]bool)
	for id := range claims {
		assert.False(t, seen[id], "job %s claimed twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, numJobs)
}

func TestSQLiteRequeueClearsAssignment(t *testing.T) {
	s := newSQLiteTestStore(t)

	require.NoError(t, s.CreateJob(newTestJob("job-requeue", "user-1", 2)))
	_, err := s.ClaimNextJob("worker-1")
	require.NoError(t, err)
	require.NoError(t, s.UpdateJobProgress("job-requeue", 70))

	_, err = s.TransitionJobState("job-requeue", models.JobStatusQueued, "orphan recovery")
	require.NoError(t, err)

	got, err := s.GetJob("job-requeue")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Empty(t, got.WorkerID)
	assert.Nil(t, got.StartedAt)
	assert.Zero(t, got.Progress)
}

func TestSQLiteGetJobsByUser(t *testing.T) {
	s := newSQLiteTestStore(t)
	now := time.Now()

	require.NoError(t, s.CreateJob(jobAt("mine-old", 2, now.Add(-2*time.Second))))
	require.NoError(t, s.CreateJob(jobAt("mine-new", 2, now.Add(-1*time.Second))))
	require.NoError(t, s.CreateJob(newTestJob("theirs", "someone-else", 2)))

	got, err := s.GetJobsByUser("user-order")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "mine-new", got[0].ID, "newest first")
	assert.Equal(t, "mine-old", got[1].ID)
}

func TestSQLiteJobMetrics(t *testing.T) {
	s := newSQLiteTestStore(t)

	require.NoError(t, s.CreateJob(jobAt("q-draft", 1, time.Now())))
	require.NoError(t, s.CreateJob(jobAt("q-ultra", 4, time.Now())))
	require.NoError(t, s.CreateJob(newTestJob("done-job", "user-1", 2)))

	_, err := s.TransitionJobState("done-job", models.JobStatusProcessing, "test")
	require.NoError(t, err)
	_, err = s.TransitionJobState("done-job", models.JobStatusCompleted, "test")
	require.NoError(t, err)

	m, err := s.GetJobMetrics()
	require.NoError(t, err)
	assert.EqualValues(t, 2, m.QueueLength)
	assert.EqualValues(t, 1, m.QueueByPriority[1])
	assert.EqualValues(t, 1, m.QueueByPriority[4])
	assert.EqualValues(t, 1, m.JobsByState[string(models.JobStatusCompleted)])
}

func TestSQLiteDeleteJob(t *testing.T) {
	s := newSQLiteTestStore(t)

	require.NoError(t, s.CreateJob(newTestJob("job-del", "user-1", 2)))
	require.NoError(t, s.DeleteJob("job-del"))

	_, err := s.GetJob("job-del")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.ErrorIs(t, s.DeleteJob("job-del"), ErrJobNotFound)
}
