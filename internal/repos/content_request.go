package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lumenclass/videogen-backend/internal/logger"
	"github.com/lumenclass/videogen-backend/internal/types"
)

// ContentRequestRepo is the request store. Every lifecycle mutation is a
// guarded update conditioned on the currently persisted status, so a stale
// writer (for example a redelivered job) can never regress a newer state.
type ContentRequestRepo interface {
	Create(ctx context.Context, tx *gorm.DB, req *types.ContentRequest) (*types.ContentRequest, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContentRequest, error)
	ListByOwner(ctx context.Context, tx *gorm.DB, ownerUserID uuid.UUID, limit int) ([]*types.ContentRequest, error)

	// UpdateFieldsUnlessStatus applies updates unless the row currently has
	// one of the blocked statuses. Returns whether the update was applied.
	UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, blockedStatuses []string, updates map[string]interface{}) (bool, error)

	// UpdateFieldsWhereStatus applies updates only while the row still has
	// one of the expected statuses (compare-and-set on status).
	UpdateFieldsWhereStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, expectedStatuses []string, updates map[string]interface{}) (bool, error)

	// RequestCancel flags the request for cooperative cancellation. Rejected
	// once the request is terminal.
	RequestCancel(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error)
}

type contentRequestRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContentRequestRepo(db *gorm.DB, baseLog *logger.Logger) ContentRequestRepo {
	return &contentRequestRepo{
		db:  db,
		log: baseLog.With("repo", "ContentRequestRepo"),
	}
}

func (r *contentRequestRepo) Create(ctx context.Context, tx *gorm.DB, req *types.ContentRequest) (*types.ContentRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if req == nil {
		return nil, nil
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(req).Error; err != nil {
		return nil, err
	}
	return req, nil
}

func (r *contentRequestRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContentRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var req types.ContentRequest
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&req).Error
	if err != nil {
		return nil, err
	}
	if req.ID == uuid.Nil {
		return nil, nil
	}
	return &req, nil
}

func (r *contentRequestRepo) ListByOwner(ctx context.Context, tx *gorm.DB, ownerUserID uuid.UUID, limit int) ([]*types.ContentRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ContentRequest
	if ownerUserID == uuid.Nil {
		return out, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	err := transaction.WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *contentRequestRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, blockedStatuses []string, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := transaction.WithContext(ctx).
		Model(&types.ContentRequest{}).
		Where("id = ?", id)
	if len(blockedStatuses) > 0 {
		q = q.Where("status NOT IN ?", blockedStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *contentRequestRepo) UpdateFieldsWhereStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, expectedStatuses []string, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || len(expectedStatuses) == 0 {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := transaction.WithContext(ctx).
		Model(&types.ContentRequest{}).
		Where("id = ? AND status IN ?", id, expectedStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *contentRequestRepo) RequestCancel(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error) {
	return r.UpdateFieldsUnlessStatus(ctx, tx, id, []string{
		types.RequestStatusCompleted,
		types.RequestStatusFailed,
		types.RequestStatusCancelled,
	}, map[string]interface{}{
		"cancel_requested": true,
	})
}
