package warmup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/embermail/embermail/internal/store"
)

func testQuota() store.Quota {
	return store.Quota{
		InitialDailyLimit: 10,
		MaxDailyLimit:     100,
		GrowthRate:        1.5,
		WarmupStage:       store.StageInitial,
		WarmupDay:         1,
		LastResetDate:     time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestCalculateDailyLimit(t *testing.T) {
	q := testQuota()

	// Initial stage, first week: flat initial limit.
	assert.Equal(t, 10, CalculateDailyLimit(q))

	q.WarmupDay = 6
	assert.Equal(t, 10, CalculateDailyLimit(q))

	// Day 7 after the stage transition: one completed week of growth.
	q.WarmupDay = 7
	q.WarmupStage = store.StageBuilding
	assert.Equal(t, 15, CalculateDailyLimit(q)) // floor(10 * 1.5)

	q.WarmupDay = 21
	q.WarmupStage = store.StageEstablished
	assert.Equal(t, 33, CalculateDailyLimit(q)) // floor(10 * 1.5^3)

	// Maximum stage ignores the growth formula.
	q.WarmupDay = 28
	q.WarmupStage = store.StageMaximum
	assert.Equal(t, 100, CalculateDailyLimit(q))
}

func TestCalculateDailyLimitMonotonic(t *testing.T) {
	q := testQuota()
	today := q.LastResetDate

	prev := CalculateDailyLimit(q)
	for day := 0; day < 60; day++ {
		today = today.Add(24 * time.Hour)
		q, _ = ResetDailyQuotaIfNeeded(q, today)
		limit := CalculateDailyLimit(q)
		assert.GreaterOrEqual(t, limit, prev, "limit shrank on warmup day %d", q.WarmupDay)
		assert.LessOrEqual(t, limit, q.MaxDailyLimit)
		prev = limit
	}
	assert.Equal(t, store.StageMaximum, q.WarmupStage)
	assert.Equal(t, 100, prev)
}

func TestCalculateDailyLimitSaturates(t *testing.T) {
	q := testQuota()
	q.WarmupStage = store.StageEstablished
	q.WarmupDay = 27 // floor(10 * 1.5^3) = 33, still below max
	assert.Equal(t, 33, CalculateDailyLimit(q))

	q.WarmupDay = 70 // 10 * 1.5^10 would blow past 100
	assert.Equal(t, 100, CalculateDailyLimit(q))
}

func TestIsQuotaExceededBoundary(t *testing.T) {
	q := testQuota()
	limit := CalculateDailyLimit(q)

	q.SentToday = limit - 1
	assert.False(t, IsQuotaExceeded(q))

	q.SentToday = limit
	assert.True(t, IsQuotaExceeded(q))

	q.SentToday = limit + 1
	assert.True(t, IsQuotaExceeded(q))
}

func TestResetDailyQuotaIfNeeded(t *testing.T) {
	q := testQuota()
	q.SentToday = 9

	// Same calendar day: no-op.
	sameDay := q.LastResetDate.Add(5 * time.Hour)
	got, reset := ResetDailyQuotaIfNeeded(q, sameDay)
	assert.False(t, reset)
	assert.Equal(t, 9, got.SentToday)
	assert.Equal(t, 1, got.WarmupDay)

	// Next calendar day: counters reset, day advances.
	nextDay := q.LastResetDate.Add(24 * time.Hour)
	got, reset = ResetDailyQuotaIfNeeded(q, nextDay)
	assert.True(t, reset)
	assert.Equal(t, 0, got.SentToday)
	assert.Equal(t, 2, got.WarmupDay)
	assert.Equal(t, store.StageInitial, got.WarmupStage)

	// Second call with the same date is idempotent.
	again, reset := ResetDailyQuotaIfNeeded(got, nextDay)
	assert.False(t, reset)
	assert.Equal(t, got, again)
}

func TestResetCrossesMidnightNotDuration(t *testing.T) {
	q := testQuota()
	q.LastResetDate = time.Date(2025, 3, 10, 23, 59, 0, 0, time.UTC)
	q.SentToday = 3

	// Two minutes later, but a new calendar date.
	got, reset := ResetDailyQuotaIfNeeded(q, time.Date(2025, 3, 11, 0, 1, 0, 0, time.UTC))
	assert.True(t, reset)
	assert.Equal(t, 0, got.SentToday)
}

func TestStageProgression(t *testing.T) {
	q := testQuota()
	today := q.LastResetDate

	stages := map[int]store.WarmupStage{
		2:  store.StageInitial,
		7:  store.StageBuilding,
		20: store.StageBuilding,
		21: store.StageEstablished,
		27: store.StageEstablished,
		28: store.StageMaximum,
	}

	for day := 2; day <= 28; day++ {
		today = today.Add(24 * time.Hour)
		q, _ = ResetDailyQuotaIfNeeded(q, today)
		assert.Equal(t, day, q.WarmupDay)
		if want, ok := stages[day]; ok {
			assert.Equal(t, want, q.WarmupStage, "warmup day %d", day)
		}
	}

	// Once at maximum the day counter freezes.
	today = today.Add(24 * time.Hour)
	q, reset := ResetDailyQuotaIfNeeded(q, today)
	assert.True(t, reset)
	assert.Equal(t, 28, q.WarmupDay)
	assert.Equal(t, store.StageMaximum, q.WarmupStage)
}
