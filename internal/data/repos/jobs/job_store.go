package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/iofold/iofold-jobs/internal/domain"
	"github.com/iofold/iofold-jobs/internal/pkg/dbctx"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

type jobStore struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

func NewJobStore(db *gorm.DB, baseLog *logger.Logger) JobStore {
	return &jobStore{db: db, log: baseLog.With("repo", "JobStore"), now: time.Now}
}

func (r *jobStore) Create(dbc dbctx.Context, job *types.Job, retention time.Duration) (*types.Job, bool, error) {
	if job == nil {
		return nil, false, errNilJob
	}
	transaction := dbc.DB(r.db)
	row := prepareNew(job, r.now())

	if row.IdempotencyKey != nil {
		existing, err := r.findByKey(transaction, row.WorkspaceID, *row.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			if !existing.Expired(retention, r.now()) {
				return existing, false, nil
			}
			// Expired holders give up their key; the record itself stays until purged.
			if err := transaction.Model(&types.Job{}).
				Where("id = ? AND revision = ?", existing.ID, existing.Revision).
				UpdateColumn("idempotency_key", nil).Error; err != nil {
				return nil, false, fmt.Errorf("release idempotency key: %w", err)
			}
		}
	}

	if err := transaction.Create(row).Error; err != nil {
		if row.IdempotencyKey != nil && isUniqueViolation(err) {
			winner, ferr := r.findByKey(transaction, row.WorkspaceID, *row.IdempotencyKey)
			if ferr != nil {
				return nil, false, ferr
			}
			if winner != nil {
				return winner, false, nil
			}
		}
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	return row.Snapshot(), true, nil
}

func (r *jobStore) Get(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	return r.get(dbc.DB(r.db), id)
}

func (r *jobStore) get(tx *gorm.DB, id uuid.UUID) (*types.Job, error) {
	var j types.Job
	err := tx.Where("id = ?", id).Limit(1).Find(&j).Error
	if err != nil {
		return nil, err
	}
	if j.ID == uuid.Nil {
		return nil, ErrNotFound
	}
	return &j, nil
}

func (r *jobStore) findByKey(tx *gorm.DB, workspaceID, key string) (*types.Job, error) {
	var j types.Job
	err := tx.Where("workspace_id = ? AND idempotency_key = ?", workspaceID, key).Limit(1).Find(&j).Error
	if err != nil {
		return nil, fmt.Errorf("find by idempotency key: %w", err)
	}
	if j.ID == uuid.Nil {
		return nil, nil
	}
	return &j, nil
}

// Claim moves the oldest queued job to running. On postgres the candidate row
// is locked with SKIP LOCKED so concurrent runners pick different jobs; the
// conditional update is what guarantees a single winner on every driver.
func (r *jobStore) Claim(dbc dbctx.Context, runnerID string) (*types.Job, error) {
	var claimed *types.Job
	run := func(tx *gorm.DB) error {
		q := tx.Model(&types.Job{}).
			Where("status = ?", types.JobStatusQueued).
			Order("created_at ASC, id ASC").
			Limit(1)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var cand types.Job
		if err := q.Find(&cand).Error; err != nil {
			return err
		}
		if cand.ID == uuid.Nil {
			return nil
		}
		next := cand.Snapshot()
		if !claimTo(runnerID)(next, r.now()) {
			return nil
		}
		res := tx.Model(&types.Job{}).
			Where("id = ? AND status = ? AND revision = ?", cand.ID, types.JobStatusQueued, cand.Revision).
			Updates(columns(next))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			claimed = next
		}
		return nil
	}

	var err error
	if dbc.Tx != nil {
		err = run(dbc.DB(r.db))
	} else {
		err = r.db.WithContext(dbc.Context()).Transaction(run)
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if claimed != nil {
		r.log.Debug("job claimed", "job_id", claimed.ID, "runner_id", runnerID, "attempts", claimed.Attempts)
	}
	return claimed, nil
}

func (r *jobStore) UpdateProgress(dbc dbctx.Context, id uuid.UUID, runnerID string, progress float64, stage, message string) (*types.Job, bool, error) {
	return r.cas(dbc, id, progressTo(runnerID, progress, stage, message))
}

func (r *jobStore) Heartbeat(dbc dbctx.Context, id uuid.UUID, runnerID string) (bool, error) {
	res := dbc.DB(r.db).Model(&types.Job{}).
		Where("id = ? AND status = ? AND runner_id = ?", id, types.JobStatusRunning, runnerID).
		UpdateColumn("heartbeat_at", r.now().UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobStore) Complete(dbc dbctx.Context, id uuid.UUID, resultRef string) (*types.Job, bool, error) {
	return r.cas(dbc, id, completeWith(resultRef))
}

func (r *jobStore) Fail(dbc dbctx.Context, id uuid.UUID, jobErr types.JobError) (*types.Job, bool, error) {
	return r.cas(dbc, id, failWith(jobErr))
}

func (r *jobStore) Cancel(dbc dbctx.Context, id uuid.UUID) (*types.Job, bool, error) {
	return r.cas(dbc, id, cancelNow)
}

// cas re-reads the row and writes the transition guarded by the revision it
// read, retrying while another writer gets in first.
func (r *jobStore) cas(dbc dbctx.Context, id uuid.UUID, apply transition) (*types.Job, bool, error) {
	transaction := dbc.DB(r.db)
	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, err := r.get(transaction, id)
		if err != nil {
			return nil, false, err
		}
		next := cur.Snapshot()
		if !apply(next, r.now()) {
			return cur, false, nil
		}
		res := transaction.Model(&types.Job{}).
			Where("id = ? AND revision = ?", id, cur.Revision).
			Updates(columns(next))
		if res.Error != nil {
			return nil, false, res.Error
		}
		if res.RowsAffected == 1 {
			return next, true, nil
		}
	}
	r.log.Warn("job compare-and-set gave up", "job_id", id)
	return nil, false, ErrContention
}

func (r *jobStore) ListStale(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*types.Job
	err := dbc.DB(r.db).
		Where("status = ? AND heartbeat_at < ?", types.JobStatusRunning, cutoff.UTC()).
		Order("heartbeat_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *jobStore) PurgeExpired(dbc dbctx.Context, before time.Time) (int64, error) {
	res := dbc.DB(r.db).
		Where("status IN ? AND finished_at < ?", []types.JobStatus{
			types.JobStatusCompleted,
			types.JobStatusFailed,
			types.JobStatusCancelled,
		}, before.UTC()).
		Delete(&types.Job{})
	return res.RowsAffected, res.Error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
