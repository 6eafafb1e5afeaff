package projects

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// versionStore appends versions and moves the project pointer.
type versionStore struct {
	db    *gorm.DB
	ids   IDProvider
	clock func() time.Time
}

// Commit appends a version and points the project at it in one transaction. A project that
// vanished before the commit aborts the transaction with ErrNotFound.
func (v *versionStore) Commit(ctx context.Context, projectID, code, description string) (Version, error) {
	versionID, err := v.ids.NewID()
	if err != nil {
		return Version{}, err
	}
	now := v.clock().UTC()
	version := Version{
		ID:          versionID,
		ProjectID:   projectID,
		Code:        code,
		Description: description,
		CreatedAt:   now,
	}
	err = v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&version).Error; err != nil {
			return err
		}
		return movePointer(tx, projectID, version, now)
	})
	if err != nil {
		return Version{}, err
	}
	return version, nil
}

// List returns the versions of a project in creation order.
func (v *versionStore) List(ctx context.Context, projectID string) ([]Version, error) {
	var versions []Version
	err := v.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC, id ASC").
		Find(&versions).Error
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// Find loads one version of the project.
func (v *versionStore) Find(ctx context.Context, projectID, versionID string) (Version, error) {
	var version Version
	err := v.db.WithContext(ctx).
		Where("project_id = ? AND id = ?", projectID, versionID).
		Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, ErrVersionNotFound
	}
	if err != nil {
		return Version{}, err
	}
	return version, nil
}

func movePointer(tx *gorm.DB, projectID string, version Version, now time.Time) error {
	result := tx.Model(&Project{}).
		Where("id = ?", projectID).
		Updates(map[string]any{
			"current_code":          version.Code,
			"current_version_index": version.ID,
			"updated_at":            now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
