package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimAvailable_Claimed(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	poolDB := NewInstancePoolDB(sqlDB)
	ctx := context.Background()

	mock.ExpectExec("UPDATE instance_pool").
		WithArgs("sess-1", "u1", sqlmock.AnyArg(), "i-A").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := poolDB.ClaimAvailable(ctx, "i-A", "sess-1", "u1")

	require.NoError(t, err)
	assert.Equal(t, Claimed, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestClaimAvailable_LoserGetsConditionFailed covers the single-call shape
// of a lost claim: a candidate row already taken leaves the conditional
// UPDATE affecting zero rows, and the caller must see ConditionFailed,
// never an error, so the claim loop can move to the next candidate instead
// of aborting the request. TestClaimAvailable_ConcurrentCallersOnlyOneWins
// below covers the actual race between goroutines.
func TestClaimAvailable_LoserGetsConditionFailed(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	poolDB := NewInstancePoolDB(sqlDB)
	ctx := context.Background()

	mock.ExpectExec("UPDATE instance_pool").
		WithArgs("sess-2", "u2", sqlmock.AnyArg(), "i-A").
		WillReturnResult(sqlmock.NewResult(0, 0))

	result, err := poolDB.ClaimAvailable(ctx, "i-A", "sess-2", "u2")

	require.NoError(t, err)
	assert.Equal(t, ConditionFailed, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestClaimAvailable_ConcurrentCallersOnlyOneWins spawns real goroutines
// racing ClaimAvailable against the same instance id, each with a distinct
// session so sqlmock's unordered matcher can tell them apart. Exactly one
// must observe Claimed; every other goroutine must observe ConditionFailed,
// never an error. Run with -race.
func TestClaimAvailable_ConcurrentCallersOnlyOneWins(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	mock.MatchExpectationsInOrder(false)

	poolDB := NewInstancePoolDB(sqlDB)
	ctx := context.Background()

	const racers = 8
	winner := racers / 2

	for i := 0; i < racers; i++ {
		affected := int64(0)
		if i == winner {
			affected = 1
		}
		mock.ExpectExec("UPDATE instance_pool").
			WithArgs(fmt.Sprintf("sess-%d", i), fmt.Sprintf("owner-%d", i), sqlmock.AnyArg(), "i-shared").
			WillReturnResult(sqlmock.NewResult(0, affected))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]ClaimResult, 0, racers)
		errs    = make([]error, 0, racers)
	)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := poolDB.ClaimAvailable(ctx, "i-shared", fmt.Sprintf("sess-%d", i), fmt.Sprintf("owner-%d", i))
			mu.Lock()
			results = append(results, result)
			errs = append(errs, err)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	claimed := 0
	for i, err := range errs {
		require.NoError(t, err)
		if results[i] == Claimed {
			claimed++
		} else {
			assert.Equal(t, ConditionFailed, results[i])
		}
	}
	assert.Equal(t, 1, claimed, "exactly one concurrent caller must win the claim")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAvailableByPlan(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	poolDB := NewInstancePoolDB(sqlDB)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{
		"instance_id", "status", "plan", "session_id", "owner_id",
		"assigned_at", "released_at", "instance_state", "updated_at",
	}).AddRow("i-A", "available", "pro", nil, nil, nil, nil, "running", time.Now())

	mock.ExpectQuery("SELECT (.+) FROM instance_pool WHERE status = 'available'").
		WithArgs("pro").
		WillReturnRows(rows)

	records, err := poolDB.ListAvailableByPlan(ctx, "pro")

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "i-A", records[0].InstanceID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelease(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	poolDB := NewInstancePoolDB(sqlDB)
	ctx := context.Background()

	mock.ExpectExec("UPDATE instance_pool").
		WithArgs("available", sqlmock.AnyArg(), "i-A").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = poolDB.Release(ctx, "i-A", "available")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
