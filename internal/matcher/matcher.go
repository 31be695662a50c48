// Package matcher は外部アクティビティと予定ワークアウトの突合を行う。
//
// 突合は純粋関数で、I/Oを行わない。候補ワークアウトの取得と結果の適用は呼び出し側が担う。
package matcher

import (
	"math"
	"sort"
	"time"

	"github.com/hitoshi/trainsync/internal/model"
)

// Options は突合の許容範囲。
type Options struct {
	// DateToleranceDays は予定日とアクティビティ開始日の許容差（暦日）。
	DateToleranceDays int
	// DistanceTolerance は距離の相対差の許容値。
	DistanceTolerance float64
	// DurationTolerance は所要時間の相対差の許容値。
	DurationTolerance float64
	// TightThreshold はexact判定および競合判定に使う相対差の閾値。
	TightThreshold float64
	// TypeMismatchPenalty は種別不一致の候補のスコアに加算する値。
	TypeMismatchPenalty float64
	// MaxCandidates は評価する候補数の上限。
	MaxCandidates int
}

// DefaultOptions は既定の許容範囲を返す。
func DefaultOptions() Options {
	return Options{
		DateToleranceDays:   1,
		DistanceTolerance:   0.15,
		DurationTolerance:   0.15,
		TightThreshold:      0.05,
		TypeMismatchPenalty: 0.25,
		MaxCandidates:       200,
	}
}

// scored は評価済みの候補。
type scored struct {
	workout       *model.Workout
	d             model.Discrepancy
	tight         bool
	unconstrained bool // 予定値が未設定の項目がある
}

// Match はアクティビティを候補ワークアウトと突合する。
//
// 予定日が許容日数内の候補について距離・所要時間の相対差を求め、
// 許容範囲を超える候補を除外した上でスコア（相対差の平均＋種別不一致ペナルティ）が
// 最小の候補を選ぶ。同点はより近い日付、ワークアウトIDの順で決める。
//
// 種別が一致する候補の中に厳密閾値内の候補が複数ある場合（一致する候補がなければ全候補の中で）は
// conflictとし、該当する候補をすべて報告してワークアウトは選ばない。
// 予定の距離・所要時間が未設定（0以下）の項目は差分0として扱うが、exactにはならない。
func Match(activity *model.Activity, candidates []*model.Workout, opts Options) *model.MatchResult {
	if opts.MaxCandidates > 0 && len(candidates) > opts.MaxCandidates {
		candidates = candidates[:opts.MaxCandidates]
	}

	activityDate := civilDate(activity.StartTime)
	actualDuration := activity.DurationMinutes()

	var survivors []scored
	for _, w := range candidates {
		dateDelta := daysBetween(activityDate, civilDate(w.PlannedDate))
		if abs(dateDelta) > opts.DateToleranceDays {
			continue
		}

		distDelta, distSet := relativeDelta(w.PlannedDistanceMiles, activity.DistanceMiles)
		durDelta, durSet := relativeDelta(w.PlannedDurationMinutes, actualDuration)
		if distDelta > opts.DistanceTolerance || durDelta > opts.DurationTolerance {
			continue
		}

		typeSet := w.PlannedType != ""
		mismatch := typeSet && w.PlannedType != activity.Category
		score := (distDelta + durDelta) / 2
		if mismatch {
			score += opts.TypeMismatchPenalty
		}

		survivors = append(survivors, scored{
			workout: w,
			d: model.Discrepancy{
				WorkoutID:     w.ID,
				DistanceDelta: distDelta,
				DurationDelta: durDelta,
				DateDeltaDays: dateDelta,
				TypeMismatch:  mismatch,
				Score:         score,
			},
			tight:         distDelta <= opts.TightThreshold && durDelta <= opts.TightThreshold,
			unconstrained: !distSet || !durSet || !typeSet,
		})
	}

	if len(survivors) == 0 {
		return &model.MatchResult{Class: model.MatchNone, Candidates: []model.Discrepancy{}}
	}

	sort.Slice(survivors, func(i, j int) bool {
		a, b := survivors[i].d, survivors[j].d
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		if abs(a.DateDeltaDays) != abs(b.DateDeltaDays) {
			return abs(a.DateDeltaDays) < abs(b.DateDeltaDays)
		}
		return a.WorkoutID < b.WorkoutID
	})

	if tied := tightCandidates(survivors); len(tied) > 1 {
		return &model.MatchResult{Class: model.MatchConflict, Candidates: tied}
	}

	best := survivors[0]
	class := model.MatchProbable
	switch {
	case best.d.TypeMismatch:
		class = model.MatchPossible
	case best.tight && !best.unconstrained:
		class = model.MatchExact
	}

	discrepancies := make([]model.Discrepancy, len(survivors))
	for i, s := range survivors {
		discrepancies[i] = s.d
	}
	bestD := best.d

	return &model.MatchResult{
		Class:      class,
		Confidence: clamp(1-best.d.Score, 0, 1),
		Workout:    best.workout,
		Best:       &bestD,
		Candidates: discrepancies,
	}
}

// ActivityDate はアクティビティのロケーションでの開始日を返す。
func ActivityDate(activity *model.Activity) time.Time {
	return civilDate(activity.StartTime)
}

// CandidateWindow は候補ワークアウトを取得する予定日の範囲 [from, to] を返す。
// アクティビティのロケーションでの開始日から前後DateToleranceDays日。
func CandidateWindow(activity *model.Activity, opts Options) (from, to time.Time) {
	day := ActivityDate(activity)
	return day.AddDate(0, 0, -opts.DateToleranceDays), day.AddDate(0, 0, opts.DateToleranceDays)
}

// tightCandidates は競合判定の対象となる厳密閾値内の候補を返す。
// 種別が一致する候補があればその中から、なければ全候補から選ぶ。
func tightCandidates(survivors []scored) []model.Discrepancy {
	pool := make([]scored, 0, len(survivors))
	for _, s := range survivors {
		if !s.d.TypeMismatch {
			pool = append(pool, s)
		}
	}
	if len(pool) == 0 {
		pool = survivors
	}

	var tied []model.Discrepancy
	for _, s := range pool {
		if s.tight {
			tied = append(tied, s.d)
		}
	}
	return tied
}

// relativeDelta は予定値に対する実績値の相対差を返す。
// 予定値が未設定（0以下）の場合は差分0とし、setにfalseを返す。
func relativeDelta(planned, actual float64) (delta float64, set bool) {
	if planned <= 0 {
		return 0, false
	}
	return math.Abs(planned-actual) / math.Max(planned, 1), true
}

// civilDate は時刻をそのロケーションでの暦日（UTCの0時）に変換する。
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween はfromからtoまでの暦日数を返す。
func daysBetween(from, to time.Time) int {
	return int(math.Round(to.Sub(from).Hours() / 24))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
