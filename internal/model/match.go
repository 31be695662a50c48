package model

// MatchClass はアクティビティとワークアウトの突合結果の確からしさ。
type MatchClass string

const (
	MatchExact    MatchClass = "exact"
	MatchProbable MatchClass = "probable"
	MatchPossible MatchClass = "possible"
	// MatchConflict は厳密閾値内の候補が複数あり、呼び出し元の判断が必要な状態。
	MatchConflict MatchClass = "conflict"
	// MatchNone は許容範囲内の候補が存在しない状態。
	MatchNone MatchClass = "none"
)

// Discrepancy は候補ワークアウトごとの差分内訳。
type Discrepancy struct {
	WorkoutID     string  `json:"workout_id"`
	DistanceDelta float64 `json:"distance_delta"`
	DurationDelta float64 `json:"duration_delta"`
	DateDeltaDays int     `json:"date_delta_days"`
	TypeMismatch  bool    `json:"type_mismatch"`
	Score         float64 `json:"score"`
}

// MatchResult は突合の結果。永続化されない。
// Workoutはexact/probable/possibleの場合のみ設定される。
// Candidatesは許容範囲内に残った候補の差分で、conflictの場合は同点の候補のみを含む。
type MatchResult struct {
	Class      MatchClass    `json:"class"`
	Confidence float64       `json:"confidence"`
	Workout    *Workout      `json:"-"`
	Best       *Discrepancy  `json:"best,omitempty"`
	Candidates []Discrepancy `json:"candidates"`
}

// Matched はワークアウトへの紐付け先が決まったかを返す。
func (r *MatchResult) Matched() bool {
	return r != nil && r.Workout != nil &&
		(r.Class == MatchExact || r.Class == MatchProbable || r.Class == MatchPossible)
}
