// Package preference は同一セッションが複数プロバイダーから見える場合に
// どのプロバイダーのアクティビティを採用するかを決める。
package preference

import (
	"math"
	"sort"
	"time"

	"github.com/hitoshi/trainsync/internal/model"
)

// DefaultSessionWindow は同一セッションとみなす開始時刻の差の上限。
const DefaultSessionWindow = 10 * time.Minute

// providerPriority はautoで到着順が同じ場合の優先順位。小さいほど優先。
var providerPriority = map[string]int{
	"strava": 0,
	"fitbit": 1,
}

func priority(provider string) int {
	if p, ok := providerPriority[provider]; ok {
		return p
	}
	return len(providerPriority)
}

// Resolve は同一セッションを表す候補から採用するアクティビティを返す。
//
//   - manual: 常にnil（外部データで実績を埋めない）
//   - strava/fitbit: そのプロバイダーの候補。なければnil（他プロバイダーへのフォールバックはしない）
//   - auto: 同期パス内で最初に取得された候補。同時刻ならstrava、fitbitの順、次に外部IDの順
func Resolve(candidates []*model.Activity, pref model.SourcePreference) *model.Activity {
	if len(candidates) == 0 {
		return nil
	}

	switch pref {
	case model.SourcePreferenceManual:
		return nil
	case model.SourcePreferenceStrava, model.SourcePreferenceFitbit:
		var chosen *model.Activity
		for _, a := range candidates {
			if a.Provider == string(pref) && (chosen == nil || earlier(a, chosen)) {
				chosen = a
			}
		}
		return chosen
	default:
		chosen := candidates[0]
		for _, a := range candidates[1:] {
			if earlier(a, chosen) {
				chosen = a
			}
		}
		return chosen
	}
}

// Allows は単独で同期されるアクティビティのプロバイダーが設定で採用されるかを返す。
func Allows(pref model.SourcePreference, provider string) bool {
	switch pref {
	case model.SourcePreferenceManual:
		return false
	case model.SourcePreferenceStrava, model.SourcePreferenceFitbit:
		return string(pref) == provider
	default:
		return true
	}
}

// earlier はautoの順序でaがbより先かを返す。
func earlier(a, b *model.Activity) bool {
	if !a.FetchedAt.Equal(b.FetchedAt) {
		return a.FetchedAt.Before(b.FetchedAt)
	}
	if pa, pb := priority(a.Provider), priority(b.Provider); pa != pb {
		return pa < pb
	}
	return a.ExternalID < b.ExternalID
}

// GroupSessions は異なるプロバイダーのアクティビティのうち、同じ身体活動を表すものをまとめる。
//
// 開始時刻の差がwindow以内で、所要時間の相対差がdurationTolerance以内のものを同一セッションとする。
// 1つのグループに同じプロバイダーのアクティビティは1件まで。
// グループは開始時刻順に並び、各グループ内の順序は問わない。
func GroupSessions(activities []*model.Activity, window time.Duration, durationTolerance float64) [][]*model.Activity {
	sorted := make([]*model.Activity, len(activities))
	copy(sorted, activities)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		if pa, pb := priority(a.Provider), priority(b.Provider); pa != pb {
			return pa < pb
		}
		return a.ExternalID < b.ExternalID
	})

	var groups [][]*model.Activity
	for _, a := range sorted {
		placed := false
		for i, g := range groups {
			if fits(g, a, window, durationTolerance) {
				groups[i] = append(g, a)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []*model.Activity{a})
		}
	}
	return groups
}

// fits はアクティビティをグループに加えられるかを返す。
func fits(group []*model.Activity, a *model.Activity, window time.Duration, tolerance float64) bool {
	anchor := group[0]
	for _, member := range group {
		if member.Provider == a.Provider {
			return false
		}
	}
	return SameSession(anchor.StartTime, anchor.DurationMinutes(), a.StartTime, a.DurationMinutes(), window, tolerance)
}

// SameSession は開始時刻の差がwindow以内、所要時間の相対差がtolerance以内の2つの記録を
// 同一のトレーニングセッションとみなす。
func SameSession(startA time.Time, minutesA float64, startB time.Time, minutesB float64, window time.Duration, tolerance float64) bool {
	if startA.Sub(startB).Abs() > window {
		return false
	}
	return durationDelta(minutesA, minutesB) <= tolerance
}

// durationDelta は2つの所要時間の相対差を返す。
func durationDelta(a, b float64) float64 {
	base := math.Max(math.Max(a, b), 1)
	return math.Abs(a-b) / base
}
