package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	types "github.com/iofold/iofold-jobs/internal/domain"
	"github.com/iofold/iofold-jobs/internal/pkg/dbctx"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

type idemKey struct {
	workspace string
	key       string
}

// memoryStore is an arena of job records keyed by id. Records in the arena are
// never mutated: a transition builds a new copy and swaps it in, and callers
// only ever receive snapshots.
type memoryStore struct {
	mu    sync.Mutex
	arena map[uuid.UUID]*types.Job
	keys  map[idemKey]uuid.UUID
	log   *logger.Logger
	now   func() time.Time
}

func NewMemoryStore(baseLog *logger.Logger) JobStore {
	return &memoryStore{
		arena: make(map[uuid.UUID]*types.Job),
		keys:  make(map[idemKey]uuid.UUID),
		log:   baseLog.With("repo", "MemoryJobStore"),
		now:   time.Now,
	}
}

func (m *memoryStore) Create(_ dbctx.Context, job *types.Job, retention time.Duration) (*types.Job, bool, error) {
	if job == nil {
		return nil, false, errNilJob
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row := prepareNew(job, m.now())
	if _, taken := m.arena[row.ID]; taken {
		return nil, false, errDuplicateID
	}
	if row.IdempotencyKey != nil {
		k := idemKey{workspace: row.WorkspaceID, key: *row.IdempotencyKey}
		if id, ok := m.keys[k]; ok {
			if holder, ok := m.arena[id]; ok {
				if !holder.Expired(retention, m.now()) {
					return holder.Snapshot(), false, nil
				}
				released := holder.Snapshot()
				released.IdempotencyKey = nil
				m.arena[id] = released
			}
			delete(m.keys, k)
		}
		m.keys[k] = row.ID
	}
	m.arena[row.ID] = row
	return row.Snapshot(), true, nil
}

func (m *memoryStore) Get(_ dbctx.Context, id uuid.UUID) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.arena[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Snapshot(), nil
}

func (m *memoryStore) Claim(_ dbctx.Context, runnerID string) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *types.Job
	for _, j := range m.arena {
		if j.Status != types.JobStatusQueued {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) ||
			(j.CreatedAt.Equal(oldest.CreatedAt) && j.ID.String() < oldest.ID.String()) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	next := oldest.Snapshot()
	if !claimTo(runnerID)(next, m.now()) {
		return nil, nil
	}
	m.arena[next.ID] = next
	return next.Snapshot(), nil
}

func (m *memoryStore) UpdateProgress(_ dbctx.Context, id uuid.UUID, runnerID string, progress float64, stage, message string) (*types.Job, bool, error) {
	return m.swap(id, progressTo(runnerID, progress, stage, message))
}

func (m *memoryStore) Heartbeat(_ dbctx.Context, id uuid.UUID, runnerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.arena[id]
	if !ok || cur.Status != types.JobStatusRunning || cur.RunnerID != runnerID {
		return false, nil
	}
	next := cur.Snapshot()
	t := m.now().UTC()
	next.HeartbeatAt = &t
	m.arena[id] = next
	return true, nil
}

func (m *memoryStore) Complete(_ dbctx.Context, id uuid.UUID, resultRef string) (*types.Job, bool, error) {
	return m.swap(id, completeWith(resultRef))
}

func (m *memoryStore) Fail(_ dbctx.Context, id uuid.UUID, jobErr types.JobError) (*types.Job, bool, error) {
	return m.swap(id, failWith(jobErr))
}

func (m *memoryStore) Cancel(_ dbctx.Context, id uuid.UUID) (*types.Job, bool, error) {
	return m.swap(id, cancelNow)
}

func (m *memoryStore) swap(id uuid.UUID, apply transition) (*types.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.arena[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	next := cur.Snapshot()
	if !apply(next, m.now()) {
		return cur.Snapshot(), false, nil
	}
	m.arena[id] = next
	return next.Snapshot(), true, nil
}

func (m *memoryStore) ListStale(_ dbctx.Context, cutoff time.Time, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Job
	for _, j := range m.arena {
		if j.Status == types.JobStatusRunning && j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			out = append(out, j.Snapshot())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].HeartbeatAt.Before(*out[b].HeartbeatAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) PurgeExpired(_ dbctx.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.arena {
		if !j.Terminal() || j.FinishedAt == nil || !j.FinishedAt.Before(before) {
			continue
		}
		if j.IdempotencyKey != nil {
			k := idemKey{workspace: j.WorkspaceID, key: *j.IdempotencyKey}
			if m.keys[k] == id {
				delete(m.keys, k)
			}
		}
		delete(m.arena, id)
		n++
	}
	return n, nil
}
