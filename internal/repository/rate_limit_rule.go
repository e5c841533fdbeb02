package repository

import (
	"context"

	"github.com/fileboxlabs/gateway/internal/models"
	"github.com/fileboxlabs/gateway/internal/storage"
	"gorm.io/gorm"
)

type RateLimitRuleRepository struct {
	db *storage.Postgres
}

func NewRateLimitRuleRepository(db *storage.Postgres) *RateLimitRuleRepository {
	return &RateLimitRuleRepository{db: db}
}

func (r *RateLimitRuleRepository) Create(ctx context.Context, rule *models.RateLimitRule) error {
	return r.db.DB.WithContext(ctx).Create(rule).Error
}

func (r *RateLimitRuleRepository) FindByID(ctx context.Context, id string) (*models.RateLimitRule, error) {
	var rule models.RateLimitRule
	err := r.db.DB.WithContext(ctx).
		Where("id = ?", id).
		First(&rule).Error

	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}

	return &rule, err
}

func (r *RateLimitRuleRepository) FindEnabled(ctx context.Context) ([]models.RateLimitRule, error) {
	var rules []models.RateLimitRule
	err := r.db.DB.WithContext(ctx).
		Where("enabled = ?", true).
		Order("created_at DESC").
		Find(&rules).Error

	return rules, err
}

func (r *RateLimitRuleRepository) List(ctx context.Context) ([]models.RateLimitRule, error) {
	var rules []models.RateLimitRule
	err := r.db.DB.WithContext(ctx).
		Order("created_at DESC").
		Find(&rules).Error

	return rules, err
}

func (r *RateLimitRuleRepository) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	return r.db.DB.WithContext(ctx).
		Model(&models.RateLimitRule{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *RateLimitRuleRepository) Delete(ctx context.Context, id string) error {
	return r.db.DB.WithContext(ctx).
		Where("id = ?", id).
		Delete(&models.RateLimitRule{}).Error
}

// CountConflicting counts enabled rules sharing (path, method, tier),
// excluding excludeID so updates don't conflict with themselves.
func (r *RateLimitRuleRepository) CountConflicting(ctx context.Context, path, method, tier, excludeID string) (int64, error) {
	var count int64
	q := r.db.DB.WithContext(ctx).
		Model(&models.RateLimitRule{}).
		Where("path = ? AND method = ? AND user_tier = ? AND enabled = ?", path, method, tier, true)

	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}

	err := q.Count(&count).Error
	return count, err
}
