// Package warmup implements the daily-limit computation and stage
// progression that govern how fast a mailbox ramps its outbound volume.
// All functions are pure: they operate on a Quota snapshot and leave
// persistence and concurrency control to the caller.
package warmup

import (
	"math"
	"time"

	"github.com/embermail/embermail/internal/store"
)

// Stage thresholds in warmup days. A mailbox moves through
// initial -> building -> established -> maximum, one direction only.
const (
	buildingDay    = 7
	establishedDay = 21
	maximumDay     = 28
)

// CalculateDailyLimit returns how many emails the mailbox may send today.
// During the first week of the initial stage the limit is flat; once the
// mailbox is warming it grows geometrically per completed week, capped at
// the configured maximum.
func CalculateDailyLimit(q store.Quota) int {
	if q.WarmupStage == store.StageInitial && q.WarmupDay < buildingDay {
		return q.InitialDailyLimit
	}
	if q.WarmupStage == store.StageMaximum {
		return q.MaxDailyLimit
	}

	limit := math.Min(
		float64(q.InitialDailyLimit)*math.Pow(q.GrowthRate, math.Floor(float64(q.WarmupDay)/7)),
		float64(q.MaxDailyLimit),
	)
	return int(math.Floor(limit))
}

// IsQuotaExceeded reports whether the mailbox has spent today's allowance.
// sentToday == limit counts as exceeded.
func IsQuotaExceeded(q store.Quota) bool {
	return q.SentToday >= CalculateDailyLimit(q)
}

// ResetDailyQuotaIfNeeded zeroes sentToday and advances the warmup day and
// stage when today is a different calendar date than the last reset. The
// comparison is by date, not wall-clock delta, so a reset at 23:59 is
// followed by another at 00:00. Returns the (possibly updated) quota and
// whether a reset occurred. Callers must persist the result under the
// quota's optimistic version so concurrent workers cannot double-advance
// the warmup day.
func ResetDailyQuotaIfNeeded(q store.Quota, today time.Time) (store.Quota, bool) {
	if sameCalendarDay(q.LastResetDate, today) {
		return q, false
	}

	q.SentToday = 0
	q.LastResetDate = today

	if q.WarmupStage != store.StageMaximum {
		q.WarmupDay++
		q.WarmupStage = stageForDay(q.WarmupDay, q.WarmupStage)
	}
	return q, true
}

func stageForDay(day int, current store.WarmupStage) store.WarmupStage {
	switch {
	case day >= maximumDay:
		return store.StageMaximum
	case day >= establishedDay:
		return store.StageEstablished
	case day >= buildingDay:
		return store.StageBuilding
	default:
		return current
	}
}

func sameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
