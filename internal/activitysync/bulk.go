package activitysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/trainsync/internal/model"
	"github.com/hitoshi/trainsync/internal/preference"
	"github.com/hitoshi/trainsync/internal/repository"
)

// BulkResult は一括同期の結果。
type BulkResult struct {
	// Listed は各プロバイダーから取得したアクティビティの件数。
	Listed int
	// AlreadySynced は既に同期レコードが存在したため対象外とした件数。
	AlreadySynced int
	// Synced は同期したアクティビティの結果。
	Synced []*Outcome
	// Superseded は同一セッションの別ソースが採用されたため、ワークアウトなしで記録した件数。
	Superseded int
	// Errors はアイテムまたは接続ごとのエラー。一括同期全体は失敗させない。
	Errors []ItemError
}

// ItemError は一括同期中の個別のエラー。ExternalIDは接続単位のエラーでは空。
type ItemError struct {
	Provider   string
	ExternalID string
	Err        error
}

func (e ItemError) Error() string {
	if e.ExternalID == "" {
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s/%s: %v", e.Provider, e.ExternalID, e.Err)
}

// listing は1接続分の取得結果。
type listing struct {
	conn       *model.Connection
	activities []*model.Activity
	err        error
}

// BulkSync はユーザーのactiveな全接続から直近のアクティビティを取得して同期する。
//
// 接続ごとの取得は並列に行う。既に同期レコードがあるアクティビティは除外し、
// 異なるプロバイダーで同じ身体活動を表すものをまとめてソース設定で採用するものを決める。
// 採用したアクティビティは通常どおり同期し、残りはワークアウトなしのsyncedとして記録する。
// 同じワークアウトへの紐付けが競合しないよう、セッションは開始時刻順に1件ずつ処理する。
//
// ユーザーごとの実行回数の上限を超えた場合はmodel.ErrRateLimitedを返す。
func (s *Service) BulkSync(ctx context.Context, userID string, opts Options) (*BulkResult, error) {
	if !s.bulkLimiters.allow(userID, s.now()) {
		return nil, model.ErrRateLimited
	}

	start := s.now()
	conns, err := s.conns.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("接続の取得に失敗しました: %w", err)
	}

	result := &BulkResult{Synced: []*Outcome{}}
	if len(conns) == 0 {
		return result, nil
	}

	pref, err := s.sourcePreference(ctx, userID)
	if err != nil {
		return nil, err
	}

	listings := s.listAll(ctx, userID, conns)

	connByProvider := make(map[string]*model.Connection, len(listings))
	recorded := make(map[*model.Activity]bool)
	var all []*model.Activity
	for _, l := range listings {
		if l.err != nil {
			result.Errors = append(result.Errors, ItemError{Provider: l.conn.Provider, Err: l.err})
			continue
		}
		connByProvider[l.conn.Provider] = l.conn
		result.Listed += len(l.activities)
		if s.recorder != nil {
			s.recorder.RecordBulkSync(l.conn.Provider, len(l.activities))
		}

		if err := s.markRecorded(ctx, l.conn.Provider, l.activities, recorded); err != nil {
			result.Errors = append(result.Errors, ItemError{Provider: l.conn.Provider, Err: err})
			continue
		}
		all = append(all, l.activities...)
	}
	result.AlreadySynced = len(recorded)

	groups := preference.GroupSessions(all, s.cfg.SessionWindow, s.cfg.Matcher.DurationTolerance)
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, ItemError{Err: err})
			break
		}
		s.syncGroup(ctx, connByProvider, group, recorded, pref, opts, result)
	}

	s.logger.Info("一括同期が完了しました",
		slog.String("user_id", userID),
		slog.Int("connection_count", len(conns)),
		slog.Int("listed", result.Listed),
		slog.Int("synced", len(result.Synced)),
		slog.Int("superseded", result.Superseded),
		slog.Int("error_count", len(result.Errors)),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)
	return result, nil
}

// listAll は接続ごとに並列で直近のアクティビティを取得する。結果はプロバイダー名順。
func (s *Service) listAll(ctx context.Context, userID string, conns []*model.Connection) []listing {
	listings := make([]listing, len(conns))
	var wg sync.WaitGroup

	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *model.Connection) {
			defer wg.Done()
			listings[i] = s.listConnection(ctx, userID, c)
		}(i, c)
	}
	wg.Wait()

	sort.SliceStable(listings, func(i, j int) bool {
		return listings[i].conn.Provider < listings[j].conn.Provider
	})
	return listings
}

func (s *Service) listConnection(ctx context.Context, userID string, c *model.Connection) listing {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	client, err := s.providers.Get(c.Provider)
	if err != nil {
		return listing{conn: c, err: err}
	}
	conn, err := s.tokens.EnsureValidToken(ctx, userID, c.Provider)
	if err != nil {
		return listing{conn: c, err: err}
	}
	activities, conn, err := s.listRecent(ctx, client, conn)
	if err != nil {
		return listing{conn: conn, err: err}
	}
	return listing{conn: conn, activities: activities}
}

// markRecorded は既に同期レコードがあるアクティビティをrecordedに加える。
// 以前のパスで取り込まれたアクティビティは今回のパスのどれよりも先に到着したものとして扱う。
func (s *Service) markRecorded(ctx context.Context, providerName string, activities []*model.Activity, recorded map[*model.Activity]bool) error {
	if len(activities) == 0 {
		return nil
	}
	ids := make([]string, len(activities))
	for i, a := range activities {
		ids[i] = a.ExternalID
	}
	existing, err := s.records.ActiveExternalIDs(ctx, providerName, ids)
	if err != nil {
		return fmt.Errorf("同期済みアクティビティの確認に失敗しました: %w", err)
	}

	for _, a := range activities {
		if existing[a.ExternalID] {
			recorded[a] = true
			a.FetchedAt = time.Time{}
		}
	}
	return nil
}

// syncGroup は同一セッションのグループから採用するアクティビティを同期し、残りを記録する。
// メンバーのいずれかが既に取り込み済みならそれを採用済みとみなし、
// 未記録のメンバーはすべてワークアウトなしで記録する。
// 設定で採用されるものがない場合は、単独同期と同じ扱いでワークアウトなしのsyncedになる。
func (s *Service) syncGroup(
	ctx context.Context,
	connByProvider map[string]*model.Connection,
	group []*model.Activity,
	recorded map[*model.Activity]bool,
	pref model.SourcePreference,
	opts Options,
	result *BulkResult,
) {
	winner := preference.Resolve(group, pref)
	if winner != nil && !recorded[winner] {
		for _, a := range group {
			if recorded[a] {
				winner = a
				break
			}
		}
	}

	members := group
	if winner != nil {
		members = append([]*model.Activity{winner}, others(group, winner)...)
	}

	for _, a := range members {
		if recorded[a] {
			continue
		}

		itemCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		conn := connByProvider[a.Provider]

		var err error
		if winner == nil || a == winner {
			var outcome *Outcome
			outcome, err = s.syncFetched(itemCtx, conn, a, pref, opts)
			switch {
			case outcome == nil:
			case outcome.Superseded:
				result.Superseded++
			default:
				result.Synced = append(result.Synced, outcome)
			}
		} else {
			err = s.recordSuperseded(itemCtx, conn, a)
			if err == nil {
				result.Superseded++
			}
		}
		cancel()

		var dup *model.DuplicateSyncError
		switch {
		case err == nil:
		case errors.As(err, &dup):
			result.AlreadySynced++
		default:
			result.Errors = append(result.Errors, ItemError{Provider: a.Provider, ExternalID: a.ExternalID, Err: err})
		}
	}
}

// recordSuperseded は別ソースが採用されたアクティビティをワークアウトなしのsyncedとして記録する。
func (s *Service) recordSuperseded(ctx context.Context, conn *model.Connection, a *model.Activity) error {
	rec, err := s.createPending(ctx, conn, a)
	if err != nil {
		return err
	}
	if _, err := s.commit(ctx, rec, nil, nil, repository.WorkoutOpNone); err != nil {
		s.fail(ctx, rec, err)
		return err
	}
	s.record(a.Provider, outcomeSuperseded)
	return nil
}

func others(group []*model.Activity, winner *model.Activity) []*model.Activity {
	rest := make([]*model.Activity, 0, len(group)-1)
	for _, a := range group {
		if a != winner {
			rest = append(rest, a)
		}
	}
	return rest
}

// bulkLimiters はユーザーごとの一括同期の実行回数を制限する。
//
// 最後の実行から1時間使われていないリミッターはバースト分まで回復しているため、
// 削除して次回作り直しても結果は変わらない。allowのたびに一定間隔で掃除する。
type bulkLimiters struct {
	perHour   int
	idleAfter time.Duration

	mu        sync.Mutex
	limiters  map[string]*bulkLimiter
	lastSweep time.Time
}

type bulkLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// bulkSweepInterval はアイドルなリミッターを掃除する間隔。
const bulkSweepInterval = 10 * time.Minute

func newBulkLimiters(perHour int) *bulkLimiters {
	return &bulkLimiters{
		perHour:   perHour,
		idleAfter: time.Hour,
		limiters:  make(map[string]*bulkLimiter),
	}
}

// allow は一括同期を実行してよいかを返す。perHourが0以下の場合は制限しない。
func (b *bulkLimiters) allow(userID string, now time.Time) bool {
	if b.perHour <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastSweep) >= bulkSweepInterval {
		b.sweep(now)
	}

	bl, ok := b.limiters[userID]
	if !ok {
		bl = &bulkLimiter{limiter: rate.NewLimiter(rate.Limit(float64(b.perHour)/time.Hour.Seconds()), b.perHour)}
		b.limiters[userID] = bl
	}
	bl.lastAccess = now
	return bl.limiter.AllowN(now, 1)
}

// sweep はidleAfter以上使われていないリミッターを削除する。b.muを保持して呼ぶ。
func (b *bulkLimiters) sweep(now time.Time) {
	for userID, bl := range b.limiters {
		if now.Sub(bl.lastAccess) >= b.idleAfter {
			delete(b.limiters, userID)
		}
	}
	b.lastSweep = now
}

func (b *bulkLimiters) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.limiters)
}
