package governor

import (
	"context"
	"sort"
	"sync"

	"duck-adhoc/internal/domain"
)

// memExecutionRepo is an in-memory ExecutionRepository.
type memExecutionRepo struct {
	mu   sync.Mutex
	rows map[string]domain.Execution

	terminalErr error // returned by Update for terminal statuses when set
}

func newMemExecutionRepo() *memExecutionRepo {
	return &memExecutionRepo{rows: make(map[string]domain.Execution)}
}

func (m *memExecutionRepo) Create(_ context.Context, e *domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[e.QueryID]; ok {
		return domain.ErrConflict("execution %q already exists", e.QueryID)
	}
	m.rows[e.QueryID] = *e
	return nil
}

func (m *memExecutionRepo) Update(_ context.Context, e *domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminalErr != nil && e.Status.IsTerminal() {
		return m.terminalErr
	}
	if _, ok := m.rows[e.QueryID]; !ok {
		return domain.ErrNotFound("execution %q not found", e.QueryID)
	}
	m.rows[e.QueryID] = *e
	return nil
}

func (m *memExecutionRepo) GetByQueryID(_ context.Context, queryID string) (*domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[queryID]
	if !ok {
		return nil, domain.ErrNotFound("execution %q not found", queryID)
	}
	return &e, nil
}

func (m *memExecutionRepo) ListByUser(_ context.Context, userID string, page domain.PageRequest) ([]domain.Execution, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []domain.Execution
	for _, e := range m.rows {
		if e.UserID == userID {
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].QueryID < all[j].QueryID
	})
	total := int64(len(all))
	start := page.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + page.Limit()
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

// memQuotaRepo is an in-memory QuotaRepository with CAS semantics.
type memQuotaRepo struct {
	mu   sync.Mutex
	rows map[string]domain.UserQuota
}

func newMemQuotaRepo() *memQuotaRepo {
	return &memQuotaRepo{rows: make(map[string]domain.UserQuota)}
}

func (m *memQuotaRepo) Get(_ context.Context, userID string) (*domain.UserQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.rows[userID]
	if !ok {
		return nil, domain.ErrNotFound("quota %q", userID)
	}
	return &q, nil
}

func (m *memQuotaRepo) Create(_ context.Context, q *domain.UserQuota) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[q.UserID]; ok {
		return domain.ErrConflict("quota %q exists", q.UserID)
	}
	m.rows[q.UserID] = *q
	return nil
}

func (m *memQuotaRepo) CompareAndSwap(_ context.Context, q *domain.UserQuota) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[q.UserID]
	if !ok || cur.Version != q.Version {
		return domain.ErrConflict("stale quota %q", q.UserID)
	}
	next := *q
	next.Version++
	m.rows[q.UserID] = next
	q.Version = next.Version
	return nil
}

// fakeEngine returns canned results and records calls.
type fakeEngine struct {
	mu       sync.Mutex
	execute  func(ctx context.Context, sql string) (*domain.EngineResult, error)
	validate func(sql string) *domain.SQLValidation
	validErr error
	calls    []engineCall
}

type engineCall struct {
	SQL            string
	Engine         string
	TimeoutSeconds int
	MaxRows        int
}

func (f *fakeEngine) Execute(ctx context.Context, sql, engine string, timeoutSeconds, maxRows int) (*domain.EngineResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, engineCall{SQL: sql, Engine: engine, TimeoutSeconds: timeoutSeconds, MaxRows: maxRows})
	f.mu.Unlock()
	if f.execute != nil {
		return f.execute(ctx, sql)
	}
	return &domain.EngineResult{
		Result: domain.QueryResult{
			Columns: []string{"a", "b"},
			Rows:    [][]interface{}{{"x,y", "z"}},
		},
		BytesScanned:         16,
		CostEstimate:         0.001,
		ExecutionTimeSeconds: 0.2,
	}, nil
}

func (f *fakeEngine) ValidateSQL(_ context.Context, sql, _ string) (*domain.SQLValidation, error) {
	if f.validErr != nil {
		return nil, f.validErr
	}
	if f.validate != nil {
		return f.validate(sql), nil
	}
	return &domain.SQLValidation{Valid: true}, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// namedEngine adds a registered-backend listing to fakeEngine.
type namedEngine struct {
	*fakeEngine
	names []string
}

func (n namedEngine) Names() []string { return n.names }
