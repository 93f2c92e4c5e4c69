// Package moderation persists administrative restrictions on users. Bans get
// their own table with a reason and optional expiry; they are queryable
// independently of any feedback or rating data.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fortflux/models"
)

var (
	// ErrBanNotFound indicates the supplied ban id was unknown.
	ErrBanNotFound = errors.New("moderation: ban not found")
	// ErrValidation covers rejected input such as a missing reason.
	ErrValidation = errors.New("moderation: validation failed")
)

// Engine manages the ban lifecycle.
type Engine struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a moderation engine backed by the provided database.
func New(db *gorm.DB) *Engine {
	return &Engine{db: db, now: time.Now}
}

// SetNowFunc overrides the time source, primarily for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.now = now
}

// Ban creates a restriction on target. expiresAt may be nil for an
// indefinite ban.
func (e *Engine) Ban(ctx context.Context, adminID, targetID uuid.UUID, reason string, expiresAt *time.Time) (*models.Ban, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	if targetID == uuid.Nil {
		return nil, fmt.Errorf("%w: target is required", ErrValidation)
	}
	if expiresAt != nil && !expiresAt.After(e.now()) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrValidation)
	}
	ban := models.Ban{
		ID:        uuid.New(),
		AdminID:   adminID,
		TargetID:  targetID,
		Reason:    reason,
		CreatedAt: e.now(),
		ExpiresAt: expiresAt,
	}
	if err := e.db.WithContext(ctx).Create(&ban).Error; err != nil {
		return nil, err
	}
	return &ban, nil
}

// IsBanned reports whether a non-expired ban marker exists for the user.
func (e *Engine) IsBanned(ctx context.Context, userID uuid.UUID) (bool, error) {
	var count int64
	err := e.db.WithContext(ctx).Model(&models.Ban{}).
		Where("target_id = ? AND (expires_at IS NULL OR expires_at > ?)", userID, e.now()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Unban deletes the marker by ban id.
func (e *Engine) Unban(ctx context.Context, banID uuid.UUID) error {
	res := e.db.WithContext(ctx).Delete(&models.Ban{}, "id = ?", banID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBanNotFound
	}
	return nil
}

// ListActive returns all bans currently in force, newest first.
func (e *Engine) ListActive(ctx context.Context) ([]models.Ban, error) {
	var bans []models.Ban
	err := e.db.WithContext(ctx).
		Where("expires_at IS NULL OR expires_at > ?", e.now()).
		Order("created_at DESC").
		Find(&bans).Error
	if err != nil {
		return nil, err
	}
	return bans, nil
}
