package activitysync

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/trainsync/internal/model"
	"github.com/hitoshi/trainsync/internal/provider"
	"github.com/hitoshi/trainsync/internal/repository"
	"github.com/hitoshi/trainsync/internal/security"
)

var syncNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

// --- テスト用モック ---

// fakeClient は関数フィールドで振る舞いを差し替えるprovider.Clientのモック。
type fakeClient struct {
	provider.Client
	name    string
	fetchFn func(ctx context.Context, accessToken, externalID string) (*model.Activity, error)
	listFn  func(ctx context.Context, accessToken string, page, perPage int) ([]*model.Activity, error)

	fetchCalls atomic.Int32
	tokensSeen []string
	mu         sync.Mutex
}

func (c *fakeClient) Name() string { return c.name }

func (c *fakeClient) FetchActivity(ctx context.Context, accessToken, externalID string) (*model.Activity, error) {
	c.fetchCalls.Add(1)
	c.mu.Lock()
	c.tokensSeen = append(c.tokensSeen, accessToken)
	c.mu.Unlock()
	return c.fetchFn(ctx, accessToken, externalID)
}

func (c *fakeClient) ListActivities(ctx context.Context, accessToken string, page, perPage int) ([]*model.Activity, error) {
	return c.listFn(ctx, accessToken, page, perPage)
}

// fakeTokens はTokenManagerのモック。接続はプロバイダー名で引く。
type fakeTokens struct {
	conns        map[string]*model.Connection
	refreshed    *model.Connection
	refreshErr   error
	forceCalls   atomic.Int32
	ensureErrFor map[string]error
}

func (f *fakeTokens) EnsureValidToken(_ context.Context, userID, providerName string) (*model.Connection, error) {
	if err := f.ensureErrFor[providerName]; err != nil {
		return nil, err
	}
	conn, ok := f.conns[providerName]
	if !ok {
		return nil, &model.NoConnectionError{UserID: userID, Provider: providerName}
	}
	return conn, nil
}

func (f *fakeTokens) ForceRefresh(_ context.Context, conn *model.Connection) (*model.Connection, error) {
	f.forceCalls.Add(1)
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshed, nil
}

// memStore は同期レコードとワークアウトのインメモリ実装。
// 失敗していないレコードの (provider, external_activity_id) の一意性を再現する。
type memStore struct {
	mu         sync.Mutex
	records    []*model.SyncRecord
	workouts   map[string]*model.Workout
	lastSynced map[string]time.Time

	commitErr    error
	listFn       func(ctx context.Context) error
	beforeCommit func(s *memStore)
}

func newMemStore(workouts ...*model.Workout) *memStore {
	s := &memStore{
		workouts:   make(map[string]*model.Workout),
		lastSynced: make(map[string]time.Time),
	}
	for _, w := range workouts {
		s.workouts[w.ID] = w
	}
	return s
}

func (s *memStore) CreatePending(ctx context.Context, rec *model.SyncRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Provider == rec.Provider && r.ExternalActivityID == rec.ExternalActivityID && r.Status != model.SyncStatusFailed {
			return repository.ErrDuplicate
		}
	}
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *memStore) FindActive(_ context.Context, providerName, externalID string) (*model.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Provider == providerName && r.ExternalActivityID == externalID && r.Status != model.SyncStatusFailed {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) ActiveExternalIDs(_ context.Context, providerName string, externalIDs []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := make(map[string]bool)
	for _, id := range externalIDs {
		for _, r := range s.records {
			if r.Provider == providerName && r.ExternalActivityID == id && r.Status != model.SyncStatusFailed {
				found[id] = true
			}
		}
	}
	return found, nil
}

func (s *memStore) FindSessionCounterparts(_ context.Context, userID, excludeProvider string, from, to time.Time) ([]*model.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []*model.SyncRecord
	for _, r := range s.records {
		if r.UserID != userID || r.Provider == excludeProvider || r.Status != model.SyncStatusSynced || r.WorkoutID == nil {
			continue
		}
		if r.ActivityStartedAt.Before(from) || r.ActivityStartedAt.After(to) {
			continue
		}
		cp := *r
		found = append(found, &cp)
	}
	return found, nil
}

func (s *memStore) Commit(ctx context.Context, rec *model.SyncRecord, write repository.WorkoutWrite) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.beforeCommit != nil {
		s.beforeCommit(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if write.Op == repository.WorkoutOpUpdate {
		// UPDATE ... WHERE status = 'planned' と同じく、完了済みのワークアウトは書き換えない
		if cur, ok := s.workouts[write.Workout.ID]; !ok || cur.Status != model.WorkoutStatusPlanned {
			return model.ErrWorkoutNotOpen
		}
	}
	if write.Op != repository.WorkoutOpNone {
		cp := *write.Workout
		s.workouts[cp.ID] = &cp
	}
	s.replace(rec)
	s.lastSynced[rec.ConnectionID] = rec.UpdatedAt
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, rec *model.SyncRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replace(rec)
	return nil
}

func (s *memStore) replace(rec *model.SyncRecord) {
	for i, r := range s.records {
		if r.ID == rec.ID {
			cp := *rec
			s.records[i] = &cp
		}
	}
}

func (s *memStore) FindByID(_ context.Context, userID, id string) (*model.Workout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workouts[id]
	if !ok || w.UserID != userID {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *memStore) ListOpenInRange(ctx context.Context, userID string, from, to time.Time, limit int) ([]*model.Workout, error) {
	if s.listFn != nil {
		if err := s.listFn(ctx); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Workout
	for _, w := range s.workouts {
		if w.UserID != userID || w.Status != model.WorkoutStatusPlanned {
			continue
		}
		if w.PlannedDate.Before(from) || w.PlannedDate.After(to) {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) recordsFor(providerName, externalID string) []*model.SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.SyncRecord
	for _, r := range s.records {
		if r.Provider == providerName && r.ExternalActivityID == externalID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

// complete は別の同期がワークアウトを先に完了させた状態を再現する。
func (s *memStore) complete(id string, distance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.workouts[id]
	w.Status = model.WorkoutStatusCompleted
	w.ActualDistanceMiles = distance
}

func (s *memStore) workout(id string) *model.Workout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workouts[id]
}

func (s *memStore) workoutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workouts)
}

type memSettings struct {
	pref model.SourcePreference
}

func (m *memSettings) FindByUserID(_ context.Context, userID string) (*model.UserSettings, error) {
	if m.pref == "" {
		return nil, nil
	}
	return &model.UserSettings{UserID: userID, SourcePreference: m.pref}, nil
}

// memConns はServiceが使うConnectionRepositoryのメソッドのみ実装する。
type memConns struct {
	repository.ConnectionRepository
	conns   []*model.Connection
	devices map[string][]*model.Device
}

func (m *memConns) ListActiveByUser(_ context.Context, userID string) ([]*model.Connection, error) {
	var out []*model.Connection
	for _, c := range m.conns {
		if c.UserID == userID && c.Status == model.ConnectionStatusActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memConns) FindByUserAndProvider(_ context.Context, userID, providerName string) (*model.Connection, error) {
	for _, c := range m.conns {
		if c.UserID == userID && c.Provider == providerName {
			return c, nil
		}
	}
	return nil, nil
}

func (m *memConns) ListDevices(_ context.Context, connectionID string) ([]*model.Device, error) {
	return m.devices[connectionID], nil
}

func (m *memConns) Delete(_ context.Context, userID, providerName string) (bool, error) {
	for i, c := range m.conns {
		if c.UserID == userID && c.Provider == providerName {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

type mockRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	classes  map[string]int
	listed   map[string]int
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{outcomes: map[string]int{}, classes: map[string]int{}, listed: map[string]int{}}
}

func (r *mockRecorder) RecordSyncOutcome(providerName, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[providerName+"/"+outcome]++
}

func (r *mockRecorder) RecordMatchClass(class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[class]++
}

func (r *mockRecorder) RecordBulkSync(providerName string, activities int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listed[providerName] += activities
}

// --- テストヘルパー ---

type harness struct {
	svc      *Service
	store    *memStore
	tokens   *fakeTokens
	conns    *memConns
	settings *memSettings
	recorder *mockRecorder
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 2 * time.Millisecond
	return cfg
}

func connection(providerName string) *model.Connection {
	return &model.Connection{
		ID:             "conn-" + providerName,
		UserID:         "user-1",
		Provider:       providerName,
		AccessToken:    providerName + "-access",
		RefreshToken:   providerName + "-refresh",
		TokenExpiresAt: syncNow.Add(time.Hour),
		Status:         model.ConnectionStatusActive,
	}
}

func newHarness(t *testing.T, cfg Config, store *memStore, clients ...*fakeClient) *harness {
	t.Helper()

	tokens := &fakeTokens{conns: map[string]*model.Connection{}}
	conns := &memConns{devices: map[string][]*model.Device{}}
	registered := make([]provider.Client, len(clients))
	for i, c := range clients {
		conn := connection(c.name)
		tokens.conns[c.name] = conn
		conns.conns = append(conns.conns, conn)
		registered[i] = c
	}

	settings := &memSettings{}
	recorder := newMockRecorder()
	svc := NewService(
		tokens,
		provider.NewRegistry(registered...),
		conns,
		store,
		store,
		settings,
		security.NewNotesSanitizer(),
		recorder,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg,
	)
	svc.now = func() time.Time { return syncNow }

	return &harness{svc: svc, store: store, tokens: tokens, conns: conns, settings: settings, recorder: recorder}
}

func plannedRun(id string, distance, duration float64) *model.Workout {
	return &model.Workout{
		ID:                     id,
		UserID:                 "user-1",
		PlannedDate:            time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		PlannedType:            model.CategoryRun,
		PlannedDistanceMiles:   distance,
		PlannedDurationMinutes: duration,
		Status:                 model.WorkoutStatusPlanned,
	}
}

func morningRun(providerName, externalID string) *model.Activity {
	return &model.Activity{
		Provider:       providerName,
		ExternalID:     externalID,
		Name:           "Morning Run",
		Description:    "<b>easy</b> pace",
		StartTime:      time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC),
		ElapsedMinutes: 55,
		MovingMinutes:  52,
		DistanceMiles:  6.2,
		SportType:      "Run",
		Category:       model.CategoryRun,
		FetchedAt:      syncNow,
	}
}

func staticFetch(a *model.Activity) func(context.Context, string, string) (*model.Activity, error) {
	return func(context.Context, string, string) (*model.Activity, error) {
		cp := *a
		return &cp, nil
	}
}
