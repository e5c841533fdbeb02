package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	// MethodAll matches any HTTP verb
	MethodAll = "ALL"

	// TierAll matches any caller tier
	TierAll = "all"
)

// Bounds enforced on rule creation and update
const (
	MinWindowMs    = 1_000
	MaxWindowMs    = 86_400_000
	MinMaxRequests = 1
	MaxMaxRequests = 10_000
)

type RateLimitRule struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	Path        string    `gorm:"not null;index" json:"path"`
	Method      string    `gorm:"not null;default:'ALL'" json:"method"`
	WindowMs    int64     `gorm:"not null" json:"window_ms"`
	MaxRequests int       `gorm:"not null" json:"max_requests"`
	UserTier    string    `gorm:"not null;default:'all'" json:"user_tier"`
	Enabled     bool      `gorm:"default:true" json:"enabled"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r *RateLimitRule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (RateLimitRule) TableName() string {
	return "rate_limit_rules"
}

// Window returns the rule's window as a duration
func (r *RateLimitRule) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}
