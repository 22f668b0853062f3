package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AcquireReconciliationRun must run inside a transaction so the row lock spans read and write.
func (r *repo) AcquireReconciliationRun(ctx context.Context, tx *gorm.DB, params domain.AcquireRunParams) (*domain.ReconciliationRun, bool, error) {
	conn := r.conn(ctx, tx)
	now := params.Now.UTC()
	expiresAt := now.Add(params.LeaseDuration)

	current, err := first[domain.ReconciliationRun](
		conn.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("provider = ? AND scope = ?", params.Provider, params.Scope),
	)
	if err != nil {
		return nil, false, err
	}

	if current == nil {
		run := &domain.ReconciliationRun{
			ID:             params.NewID,
			Provider:       params.Provider,
			Scope:          params.Scope,
			Status:         domain.ReconciliationStatusRunning,
			RunnerID:       params.RunnerID,
			LeaseVersion:   1,
			LeaseExpiresAt: expiresAt,
			StartedAt:      now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		res := conn.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "scope"}},
			DoNothing: true,
		}).Create(run)
		if res.Error != nil {
			if db.IsDuplicateKeyErr(res.Error) {
				return nil, false, nil
			}
			return nil, false, res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the first-insert race; the winner holds the lease.
			return nil, false, nil
		}
		return run, true, nil
	}

	if current.Status == domain.ReconciliationStatusRunning && current.LeaseExpiresAt.After(now) {
		return current, false, nil
	}

	nextVersion := current.LeaseVersion + 1
	res := conn.Model(&domain.ReconciliationRun{}).
		Where("id = ? AND lease_version = ?", current.ID, current.LeaseVersion).
		Updates(map[string]any{
			"status":           domain.ReconciliationStatusRunning,
			"runner_id":        params.RunnerID,
			"lease_version":    nextVersion,
			"lease_expires_at": expiresAt,
			"started_at":       now,
			"finished_at":      nil,
			"last_error":       "",
			"stats":            nil,
			"updated_at":       now,
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, false, nil
	}

	current.Status = domain.ReconciliationStatusRunning
	current.RunnerID = params.RunnerID
	current.LeaseVersion = nextVersion
	current.LeaseExpiresAt = expiresAt
	current.StartedAt = now
	current.FinishedAt = nil
	current.LastError = ""
	current.Stats = nil
	current.UpdatedAt = now
	return current, true, nil
}

func (r *repo) UpdateReconciliationRunByLease(ctx context.Context, tx *gorm.DB, id snowflake.ID, leaseVersion int64, updates map[string]any) (bool, error) {
	res := r.conn(ctx, tx).Model(&domain.ReconciliationRun{}).
		Where("id = ? AND lease_version = ?", id, leaseVersion).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
