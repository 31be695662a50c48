// Package activitysync は外部プロバイダーのアクティビティをワークアウトに取り込む同期処理を統括する。
//
// 1件の同期は、トークンの確認 → アクティビティの取得 → pendingの同期レコード作成（重複判定）
// → ソース設定の解決 → 予定ワークアウトとの突合 → 結果の適用、の順に行う。
// ワークアウトの書き込みと同期レコードの遷移は1トランザクションで確定する。
package activitysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/trainsync/internal/matcher"
	"github.com/hitoshi/trainsync/internal/model"
	"github.com/hitoshi/trainsync/internal/preference"
	"github.com/hitoshi/trainsync/internal/provider"
	"github.com/hitoshi/trainsync/internal/repository"
	"github.com/hitoshi/trainsync/internal/security"
)

// 同期結果のメトリクスラベル
const (
	outcomeSynced     = "synced"
	outcomeSkipped    = "skipped"
	outcomeSuperseded = "superseded"
	outcomeDuplicate  = "duplicate"
	outcomeConflict   = "conflict"
	outcomeFailed     = "failed"
)

// TokenManager は有効なアクセストークンを持つ接続を提供する。
type TokenManager interface {
	EnsureValidToken(ctx context.Context, userID, provider string) (*model.Connection, error)
	ForceRefresh(ctx context.Context, conn *model.Connection) (*model.Connection, error)
}

// ProviderLookup はプロバイダー名からClientを引く。
type ProviderLookup interface {
	Get(name string) (provider.Client, error)
}

// Recorder は同期の結果をメトリクスとして記録する。
type Recorder interface {
	RecordSyncOutcome(provider, outcome string)
	RecordMatchClass(class string)
	RecordBulkSync(provider string, activities int)
}

// Config は同期処理の設定。
type Config struct {
	// Timeout は1件のアクティビティ同期にかける時間の上限。
	Timeout time.Duration
	// MaxRetries は一時的なプロバイダー障害に対する再試行回数。
	MaxRetries int
	// RetryInitialInterval と RetryMaxInterval は再試行の指数バックオフの間隔。
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// Matcher は突合の許容範囲。
	Matcher matcher.Options
	// BulkPerHour はユーザーごとの1時間あたりの一括同期回数の上限。
	BulkPerHour int
	// BulkPageSize は一括同期で各プロバイダーから取得する件数。
	BulkPageSize int
	// SessionWindow は異なるプロバイダーのアクティビティを同一セッションとみなす開始時刻の差。
	SessionWindow time.Duration
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		Timeout:              30 * time.Second,
		MaxRetries:           3,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
		Matcher:              matcher.DefaultOptions(),
		BulkPerHour:          6,
		BulkPageSize:         30,
		SessionWindow:        preference.DefaultSessionWindow,
	}
}

// Options は1件の同期の呼び出しオプション。
type Options struct {
	// AutoApply がtrueの場合、紐付け先ワークアウトの実績フィールドを更新して完了にする。
	// falseの場合は紐付けのみ行う。
	AutoApply bool
	// TargetWorkoutID は突合が曖昧だった場合に呼び出し元が選んだワークアウト。
	// 指定された場合は突合を行わずにそのワークアウトに紐付ける。
	TargetWorkoutID string
}

// Outcome は1件の同期の結果。
type Outcome struct {
	Record *model.SyncRecord
	// Workout は紐付けたワークアウト。ソース設定で除外された場合はnil。
	Workout *model.Workout
	// Match は突合結果。突合を行わなかった場合はnil。
	Match *model.MatchResult
	// Applied は実績フィールドを書き込んだかどうか。
	Applied bool
	// Created は未計画の実績としてワークアウトを新規作成したかどうか。
	Created bool
	// Superseded は別プロバイダーから取り込み済みの同一セッションがあったため、
	// ワークアウトに紐付けずに記録したかどうか。Counterpartはその同期レコード。
	Superseded  bool
	Counterpart *model.SyncRecord
}

// Service は同期処理のサービス層。
type Service struct {
	tokens    TokenManager
	providers ProviderLookup
	conns     repository.ConnectionRepository
	workouts  repository.WorkoutRepository
	records   repository.SyncRecordRepository
	settings  repository.UserSettingsRepository
	notes     security.NotesSanitizer
	recorder  Recorder
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	bulkLimiters *bulkLimiters
}

// NewService はServiceの新しいインスタンスを生成する。recorderはnilでもよい。
func NewService(
	tokens TokenManager,
	providers ProviderLookup,
	conns repository.ConnectionRepository,
	workouts repository.WorkoutRepository,
	records repository.SyncRecordRepository,
	settings repository.UserSettingsRepository,
	notes security.NotesSanitizer,
	recorder Recorder,
	logger *slog.Logger,
	cfg Config,
) *Service {
	return &Service{
		tokens:       tokens,
		providers:    providers,
		conns:        conns,
		workouts:     workouts,
		records:      records,
		settings:     settings,
		notes:        notes,
		recorder:     recorder,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
		bulkLimiters: newBulkLimiters(cfg.BulkPerHour),
	}
}

// SyncActivity は指定された外部アクティビティを取得してワークアウトに取り込む。
//
// 同じアクティビティが既に取り込まれている場合はmodel.DuplicateSyncErrorを返し、
// ワークアウトは作成しない。突合が曖昧な場合は同期レコードをfailedにして
// model.AmbiguousMatchErrorを返す。呼び出し元はTargetWorkoutIDを指定して再実行できる。
func (s *Service) SyncActivity(ctx context.Context, userID, providerName, externalID string, opts Options) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	client, err := s.providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	conn, err := s.tokens.EnsureValidToken(ctx, userID, providerName)
	if err != nil {
		return nil, err
	}

	activity, conn, err := s.fetchActivity(ctx, client, conn, externalID)
	if err != nil {
		s.record(providerName, outcomeFailed)
		return nil, err
	}

	pref, err := s.sourcePreference(ctx, userID)
	if err != nil {
		return nil, err
	}

	return s.syncFetched(ctx, conn, activity, pref, opts)
}

// syncFetched は取得済みのアクティビティについて同期レコードを作成し、結果を適用する。
func (s *Service) syncFetched(
	ctx context.Context,
	conn *model.Connection,
	activity *model.Activity,
	pref model.SourcePreference,
	opts Options,
) (*Outcome, error) {
	rec, err := s.createPending(ctx, conn, activity)
	if err != nil {
		return nil, err
	}

	outcome, err := s.resolve(ctx, conn, activity, rec, pref, opts)
	if err != nil {
		s.fail(ctx, rec, err)
		return nil, err
	}

	label := outcomeSynced
	switch {
	case outcome.Superseded:
		label = outcomeSuperseded
	case outcome.Workout == nil:
		label = outcomeSkipped
	}
	s.record(activity.Provider, label)

	s.logger.Info("アクティビティを同期しました",
		slog.String("user_id", conn.UserID),
		slog.String("provider", activity.Provider),
		slog.String("external_id", activity.ExternalID),
		slog.String("sync_status", string(rec.Status)),
		slog.String("match_class", string(rec.MatchClass)),
		slog.Bool("applied", outcome.Applied),
		slog.Bool("superseded", outcome.Superseded),
	)
	return outcome, nil
}

// createPending はpendingの同期レコードを作成する。
// このINSERTが重複判定を兼ねる。
func (s *Service) createPending(ctx context.Context, conn *model.Connection, activity *model.Activity) (*model.SyncRecord, error) {
	now := s.now()
	rec := &model.SyncRecord{
		ID:                      uuid.New().String(),
		UserID:                  conn.UserID,
		ConnectionID:            conn.ID,
		Provider:                activity.Provider,
		ExternalActivityID:      activity.ExternalID,
		Status:                  model.SyncStatusPending,
		ActivityStartedAt:       activity.StartTime,
		ActivityDurationMinutes: activity.DurationMinutes(),
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	if err := s.records.CreatePending(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			s.record(activity.Provider, outcomeDuplicate)
			return nil, &model.DuplicateSyncError{Provider: activity.Provider, ExternalID: activity.ExternalID}
		}
		return nil, fmt.Errorf("同期レコードの作成に失敗しました: %w", err)
	}
	return rec, nil
}

// resolve はソース設定と突合結果に従ってワークアウトへの書き込みを決め、確定する。
func (s *Service) resolve(
	ctx context.Context,
	conn *model.Connection,
	activity *model.Activity,
	rec *model.SyncRecord,
	pref model.SourcePreference,
	opts Options,
) (*Outcome, error) {
	if !preference.Allows(pref, activity.Provider) {
		return s.commit(ctx, rec, nil, nil, repository.WorkoutOpNone)
	}

	if opts.TargetWorkoutID != "" {
		target, err := s.workouts.FindByID(ctx, conn.UserID, opts.TargetWorkoutID)
		if err != nil {
			return nil, fmt.Errorf("ワークアウトの取得に失敗しました: %w", err)
		}
		if target == nil {
			return nil, fmt.Errorf("%w: %s", model.ErrWorkoutNotFound, opts.TargetWorkoutID)
		}
		if target.Status != model.WorkoutStatusPlanned {
			return nil, fmt.Errorf("%w: %s", model.ErrWorkoutNotOpen, opts.TargetWorkoutID)
		}
		return s.link(ctx, rec, activity, target, nil, opts.AutoApply)
	}

	counterpart, err := s.sessionCounterpart(ctx, conn.UserID, activity)
	if err != nil {
		return nil, err
	}
	if counterpart != nil {
		outcome, err := s.commit(ctx, rec, nil, nil, repository.WorkoutOpNone)
		if err != nil {
			return nil, err
		}
		outcome.Superseded = true
		outcome.Counterpart = counterpart
		return outcome, nil
	}

	from, to := matcher.CandidateWindow(activity, s.cfg.Matcher)
	candidates, err := s.workouts.ListOpenInRange(ctx, conn.UserID, from, to, s.cfg.Matcher.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("候補ワークアウトの取得に失敗しました: %w", err)
	}

	result := matcher.Match(activity, candidates, s.cfg.Matcher)
	if s.recorder != nil {
		s.recorder.RecordMatchClass(string(result.Class))
	}

	switch {
	case result.Class == model.MatchConflict:
		s.record(activity.Provider, outcomeConflict)
		return nil, &model.AmbiguousMatchError{Result: result}
	case result.Matched():
		return s.link(ctx, rec, activity, result.Workout, result, opts.AutoApply)
	default:
		return s.createUnplanned(ctx, conn, rec, activity, result)
	}
}

// sessionCounterpart は別プロバイダーから取り込み済みでワークアウトに紐付いた同一セッションの同期レコードを返す。
// 同じセッションを2つ目のワークアウトとして数えないために使う。見つからない場合はnilを返す。
func (s *Service) sessionCounterpart(ctx context.Context, userID string, activity *model.Activity) (*model.SyncRecord, error) {
	window := s.cfg.SessionWindow
	recs, err := s.records.FindSessionCounterparts(ctx, userID, activity.Provider,
		activity.StartTime.Add(-window), activity.StartTime.Add(window))
	if err != nil {
		return nil, fmt.Errorf("同一セッションの確認に失敗しました: %w", err)
	}
	for _, r := range recs {
		if preference.SameSession(r.ActivityStartedAt, r.ActivityDurationMinutes,
			activity.StartTime, activity.DurationMinutes(), window, s.cfg.Matcher.DurationTolerance) {
			return r, nil
		}
	}
	return nil, nil
}

// link は既存ワークアウトに紐付ける。applyがtrueなら実績フィールドも更新する。
func (s *Service) link(
	ctx context.Context,
	rec *model.SyncRecord,
	activity *model.Activity,
	target *model.Workout,
	result *model.MatchResult,
	apply bool,
) (*Outcome, error) {
	w := *target
	op := repository.WorkoutOpNone
	if apply {
		w.ApplyActivity(activity, s.notes.ActivityNotes(activity.Name, activity.Description), s.now())
		op = repository.WorkoutOpUpdate
	}
	outcome, err := s.commit(ctx, rec, &w, result, op)
	if err != nil {
		return nil, err
	}
	outcome.Applied = apply
	return outcome, nil
}

// createUnplanned は候補がない場合に未計画の完了済みワークアウトを作成する。
func (s *Service) createUnplanned(
	ctx context.Context,
	conn *model.Connection,
	rec *model.SyncRecord,
	activity *model.Activity,
	result *model.MatchResult,
) (*Outcome, error) {
	now := s.now()
	w := &model.Workout{
		ID:          uuid.New().String(),
		UserID:      conn.UserID,
		PlannedDate: matcher.ActivityDate(activity),
		PlannedType: activity.Category,
		CreatedAt:   now,
	}
	w.ApplyActivity(activity, s.notes.ActivityNotes(activity.Name, activity.Description), now)

	outcome, err := s.commit(ctx, rec, w, result, repository.WorkoutOpInsert)
	if err != nil {
		return nil, err
	}
	outcome.Applied = true
	outcome.Created = true
	return outcome, nil
}

// commit は同期レコードをsyncedにし、ワークアウトの書き込みと同時に確定する。
func (s *Service) commit(
	ctx context.Context,
	rec *model.SyncRecord,
	w *model.Workout,
	result *model.MatchResult,
	op repository.WorkoutOp,
) (*Outcome, error) {
	var workoutID *string
	if w != nil {
		id := w.ID
		workoutID = &id
	}
	synced := *rec
	if err := synced.MarkSynced(workoutID, result, s.now()); err != nil {
		return nil, err
	}

	if err := s.records.Commit(ctx, &synced, repository.WorkoutWrite{Op: op, Workout: w}); err != nil {
		return nil, fmt.Errorf("同期結果の保存に失敗しました: %w", err)
	}
	*rec = synced
	return &Outcome{Record: rec, Workout: w, Match: result}, nil
}

// fail は同期レコードをfailedにする。
// 呼び出し元のキャンセルやタイムアウトでpendingのレコードが残らないよう、キャンセルされないコンテキストで書き込む。
func (s *Service) fail(ctx context.Context, rec *model.SyncRecord, cause error) {
	if err := rec.MarkFailed(cause, s.now()); err != nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.records.MarkFailed(writeCtx, rec); err != nil {
		s.logger.Error("同期レコードの失敗記録に失敗しました",
			slog.String("sync_record_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	var ambiguous *model.AmbiguousMatchError
	if !errors.As(cause, &ambiguous) {
		s.record(rec.Provider, outcomeFailed)
	}
	s.logger.Warn("アクティビティの同期に失敗しました",
		slog.String("user_id", rec.UserID),
		slog.String("provider", rec.Provider),
		slog.String("external_id", rec.ExternalActivityID),
		slog.String("error", cause.Error()),
	)
}

// sourcePreference はユーザーのソース設定を返す。未設定または不正な値はautoとして扱う。
func (s *Service) sourcePreference(ctx context.Context, userID string) (model.SourcePreference, error) {
	settings, err := s.settings.FindByUserID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("ユーザー設定の取得に失敗しました: %w", err)
	}
	if settings == nil || !settings.SourcePreference.Valid() {
		return model.SourcePreferenceAuto, nil
	}
	return settings.SourcePreference, nil
}

func (s *Service) record(providerName, outcome string) {
	if s.recorder != nil {
		s.recorder.RecordSyncOutcome(providerName, outcome)
	}
}
