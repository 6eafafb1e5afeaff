package projects

import (
	"context"
	"time"

	"gorm.io/gorm"
)

const (
	noteGenerated  = "Website generated successfully."
	noteRevised    = "Website updated successfully."
	noteRolledBack = "Website rolled back successfully."
	noteFailedFmt  = "Generation failed. %d credits were refunded."
)

// conversationLog appends observational chat entries.
type conversationLog struct {
	db    *gorm.DB
	ids   IDProvider
	clock func() time.Time
}

func (c *conversationLog) Append(ctx context.Context, projectID string, role Role, content string) (Conversation, error) {
	return c.appendTx(c.db.WithContext(ctx), projectID, role, content)
}

func (c *conversationLog) appendTx(tx *gorm.DB, projectID string, role Role, content string) (Conversation, error) {
	entryID, err := c.ids.NewID()
	if err != nil {
		return Conversation{}, err
	}
	entry := Conversation{
		ID:        entryID,
		ProjectID: projectID,
		Role:      role,
		Content:   content,
		CreatedAt: c.clock().UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return Conversation{}, err
	}
	return entry, nil
}

func (c *conversationLog) List(ctx context.Context, projectID string) ([]Conversation, error) {
	var entries []Conversation
	err := c.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
