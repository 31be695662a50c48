package matcher

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/hitoshi/trainsync/internal/model"
)

var activityStart = time.Date(2024, 3, 10, 7, 30, 0, 0, time.UTC)

func run(distance, moving float64) *model.Activity {
	return &model.Activity{
		Provider:       "strava",
		ExternalID:     "a-1",
		StartTime:      activityStart,
		DistanceMiles:  distance,
		MovingMinutes:  moving,
		ElapsedMinutes: moving + 3,
		Category:       model.CategoryRun,
	}
}

func planned(id string, date time.Time, typ model.Category, distance, duration float64) *model.Workout {
	return &model.Workout{
		ID:                     id,
		UserID:                 "user-1",
		PlannedDate:            time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC),
		PlannedType:            typ,
		PlannedDistanceMiles:   distance,
		PlannedDurationMinutes: duration,
		Status:                 model.WorkoutStatusPlanned,
	}
}

func TestMatch_ExactWithinTightThreshold(t *testing.T) {
	w := planned("w-1", activityStart, model.CategoryRun, 6.0, 50)

	res := Match(run(6.2, 52), []*model.Workout{w}, DefaultOptions())

	if res.Class != model.MatchExact {
		t.Fatalf("6.2mi/52分 vs 6.0mi/50分 はexactであるべき, got %s", res.Class)
	}
	if res.Workout != w {
		t.Error("予定ワークアウトが選ばれるべき")
	}
	if res.Confidence < 0.95 || res.Confidence > 1 {
		t.Errorf("Confidence = %v, want 0.95以上", res.Confidence)
	}
	if math.Abs(res.Best.DistanceDelta-0.2/6.0) > 1e-9 || math.Abs(res.Best.DurationDelta-0.04) > 1e-9 {
		t.Errorf("差分が正しくない: %+v", res.Best)
	}
}

func TestMatch_NoneWhenDistanceOutOfTolerance(t *testing.T) {
	w := planned("w-1", activityStart, model.CategoryRun, 10.0, 50)

	res := Match(run(6.2, 52), []*model.Workout{w}, DefaultOptions())

	if res.Class != model.MatchNone {
		t.Fatalf("10マイルの予定とはnoneであるべき, got %s", res.Class)
	}
	if res.Workout != nil || res.Confidence != 0 {
		t.Errorf("noneではワークアウトと確信度は空であるべき: %+v", res)
	}
}

func TestMatch_NoneWithoutCandidates(t *testing.T) {
	res := Match(run(6.2, 52), nil, DefaultOptions())
	if res.Class != model.MatchNone {
		t.Errorf("候補なしはnoneであるべき, got %s", res.Class)
	}
}

func TestMatch_ProbableWithinTolerance(t *testing.T) {
	// 距離の差は約10%、時間の差は約8%
	w := planned("w-1", activityStart, model.CategoryRun, 6.0, 48)

	res := Match(run(6.6, 52), []*model.Workout{w}, DefaultOptions())

	if res.Class != model.MatchProbable {
		t.Fatalf("許容範囲内で厳密閾値外はprobableであるべき, got %s", res.Class)
	}
}

func TestMatch_PossibleOnTypeMismatch(t *testing.T) {
	w := planned("w-1", activityStart, model.CategoryRide, 6.0, 50)

	res := Match(run(6.2, 52), []*model.Workout{w}, DefaultOptions())

	if res.Class != model.MatchPossible {
		t.Fatalf("種別不一致はpossibleであるべき, got %s", res.Class)
	}
	if !res.Best.TypeMismatch {
		t.Error("TypeMismatchが報告されるべき")
	}
	if res.Confidence > 0.75 {
		t.Errorf("種別不一致のペナルティが確信度に反映されるべき: %v", res.Confidence)
	}
}

func TestMatch_ConflictWithTwoTightCandidates(t *testing.T) {
	w1 := planned("w-1", activityStart, model.CategoryRun, 6.0, 50)
	w2 := planned("w-2", activityStart, model.CategoryRun, 6.1, 51)

	res := Match(run(6.2, 52), []*model.Workout{w1, w2}, DefaultOptions())

	if res.Class != model.MatchConflict {
		t.Fatalf("厳密閾値内の候補が2件ならconflictであるべき, got %s", res.Class)
	}
	if res.Workout != nil {
		t.Error("conflictではワークアウトを選ぶべきではない")
	}
	if res.Confidence != 0 {
		t.Errorf("conflictの確信度は0であるべき: %v", res.Confidence)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("両方の候補が報告されるべき: %+v", res.Candidates)
	}
	ids := map[string]bool{res.Candidates[0].WorkoutID: true, res.Candidates[1].WorkoutID: true}
	if !ids["w-1"] || !ids["w-2"] {
		t.Errorf("w-1とw-2が報告されるべき: %+v", res.Candidates)
	}
}

func TestMatch_TypeMismatchedTightCandidateDoesNotConflict(t *testing.T) {
	run1 := planned("w-1", activityStart, model.CategoryRun, 6.0, 50)
	ride := planned("w-2", activityStart, model.CategoryRide, 6.2, 52)

	res := Match(run(6.2, 52), []*model.Workout{run1, ride}, DefaultOptions())

	if res.Class != model.MatchExact || res.Workout != run1 {
		t.Fatalf("種別が一致する候補がexactで選ばれるべき, got %s %v", res.Class, res.Workout)
	}
	if len(res.Candidates) != 2 {
		t.Errorf("許容範囲内の全候補の差分が報告されるべき: %d", len(res.Candidates))
	}
}

func TestMatch_DateTolerance(t *testing.T) {
	tests := []struct {
		name   string
		offset int
		want   model.MatchClass
	}{
		{"前日", -1, model.MatchExact},
		{"翌日", 1, model.MatchExact},
		{"2日前", -2, model.MatchNone},
		{"2日後", 2, model.MatchNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := planned("w-1", activityStart.AddDate(0, 0, tt.offset), model.CategoryRun, 6.0, 50)
			res := Match(run(6.2, 52), []*model.Workout{w}, DefaultOptions())
			if res.Class != tt.want {
				t.Errorf("Class = %s, want %s", res.Class, tt.want)
			}
		})
	}
}

func TestMatch_DateUsesActivityLocalDay(t *testing.T) {
	// UTCでは翌日2時だが、ロサンゼルス時間では予定日当日の18時
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("タイムゾーンデータがありません: %v", err)
	}
	a := run(6.2, 52)
	a.StartTime = time.Date(2024, 3, 12, 2, 0, 0, 0, time.UTC).In(la)

	w := planned("w-1", time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), model.CategoryRun, 6.0, 50)
	res := Match(a, []*model.Workout{w}, DefaultOptions())

	if res.Class != model.MatchExact || res.Best.DateDeltaDays != 0 {
		t.Errorf("アクティビティのローカル日付で比較すべき: %s %+v", res.Class, res.Best)
	}
}

func TestMatch_TieBrokenByDateThenID(t *testing.T) {
	opts := DefaultOptions()
	opts.TightThreshold = 0 // 競合判定を無効化してスコアの同点処理だけを確認する

	sameDayB := planned("w-b", activityStart, model.CategoryRun, 6.0, 48)
	prevDay := planned("w-a", activityStart.AddDate(0, 0, -1), model.CategoryRun, 6.0, 48)
	sameDayC := planned("w-c", activityStart, model.CategoryRun, 6.0, 48)

	res := Match(run(6.3, 50), []*model.Workout{prevDay, sameDayC, sameDayB}, opts)

	if res.Workout == nil || res.Workout.ID != "w-b" {
		t.Fatalf("同点は日付差が小さい方、次にIDの小さい方が選ばれるべき, got %+v", res.Workout)
	}
}

func TestMatch_UnsetPlannedMetricCapsAtProbable(t *testing.T) {
	w := planned("w-1", activityStart, model.CategoryRun, 0, 50)

	res := Match(run(6.2, 51), []*model.Workout{w}, DefaultOptions())

	if res.Class != model.MatchProbable {
		t.Fatalf("予定距離が未設定の場合はprobableまでであるべき, got %s", res.Class)
	}
	if res.Best.DistanceDelta != 0 {
		t.Errorf("未設定の項目の差分は0であるべき: %v", res.Best.DistanceDelta)
	}
}

func TestMatch_MaxCandidatesBoundsEvaluation(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxCandidates = 3

	var candidates []*model.Workout
	for i := 0; i < 10; i++ {
		candidates = append(candidates, planned(fmt.Sprintf("w-%02d", i), activityStart, model.CategoryRun, 20, 200))
	}
	// 上限の外側にある一致候補は評価されない
	candidates = append(candidates, planned("w-match", activityStart, model.CategoryRun, 6.0, 50))

	res := Match(run(6.2, 52), candidates, opts)
	if res.Class != model.MatchNone {
		t.Errorf("上限を超えた候補は評価されないべき, got %s", res.Class)
	}
}

// 許容範囲内の一致は常にprobable以上（種別一致時）であり、許容範囲外はnoneであることを確認する
func TestMatch_ToleranceProperty(t *testing.T) {
	opts := DefaultOptions()
	for _, ratio := range []float64{0.86, 0.9, 0.95, 1.0, 1.05, 1.1, 1.14} {
		w := planned("w-1", activityStart, model.CategoryRun, 10, 80)
		res := Match(run(10*ratio, 80*ratio), []*model.Workout{w}, opts)
		if res.Class != model.MatchExact && res.Class != model.MatchProbable {
			t.Errorf("ratio %.2f: 許容範囲内はexact/probableであるべき, got %s", ratio, res.Class)
		}
	}
	for _, ratio := range []float64{0.5, 0.84, 1.16, 2.0} {
		w := planned("w-1", activityStart, model.CategoryRun, 10, 80)
		res := Match(run(10*ratio, 80*ratio), []*model.Workout{w}, opts)
		if res.Class != model.MatchNone {
			t.Errorf("ratio %.2f: 許容範囲外はnoneであるべき, got %s", ratio, res.Class)
		}
	}
}

func TestCandidateWindow(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	// UTCでは翌日だが、ロサンゼルスでは3月9日
	a := &model.Activity{StartTime: time.Date(2025, 3, 9, 20, 30, 0, 0, la)}

	from, to := CandidateWindow(a, DefaultOptions())

	wantFrom := time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC)
	wantTo := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	if !from.Equal(wantFrom) || !to.Equal(wantTo) {
		t.Errorf("CandidateWindow = [%v, %v], want [%v, %v]", from, to, wantFrom, wantTo)
	}
}
