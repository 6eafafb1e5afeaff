package projects

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Role identifies the author of a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	maxNameLength       = 50
	truncatedNameLength = 47
	nameEllipsis        = "..."

	descriptionInitial  = "Initial version"
	descriptionRevision = "Revision"
)

// Project is the aggregate root owning versions and conversation entries.
type Project struct {
	ID                  string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	UserID              string    `gorm:"column:user_id;size:190;not null;index:idx_projects_user_created,priority:1" json:"userId"`
	Name                string    `gorm:"column:name;size:64;not null" json:"name"`
	InitialPrompt       string    `gorm:"column:initial_prompt;type:text;not null" json:"initial_prompt"`
	CurrentCode         *string   `gorm:"column:current_code;type:longtext" json:"current_code"`
	CurrentVersionIndex string    `gorm:"column:current_version_index;size:64" json:"current_version_index"`
	IsPublished         bool      `gorm:"column:is_published;not null;default:false" json:"isPublished"`
	CreatedAt           time.Time `gorm:"column:created_at;not null;index:idx_projects_user_created,priority:2" json:"createdAt"`
	UpdatedAt           time.Time `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName binds Project to the projects table.
func (Project) TableName() string {
	return "projects"
}

// HasCode reports whether generation produced (or a save stored) any code.
func (p Project) HasCode() bool {
	return p.CurrentCode != nil && strings.TrimSpace(*p.CurrentCode) != ""
}

// Version is an immutable code snapshot.
type Version struct {
	ID          string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	ProjectID   string    `gorm:"column:project_id;size:64;not null;index" json:"projectId"`
	Code        string    `gorm:"column:code;type:longtext;not null" json:"code"`
	Description string    `gorm:"column:description;size:64;not null" json:"description"`
	CreatedAt   time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName binds Version to the project_versions table.
func (Version) TableName() string {
	return "project_versions"
}

// Conversation is one append-only chat entry.
type Conversation struct {
	ID        string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	ProjectID string    `gorm:"column:project_id;size:64;not null;index" json:"projectId"`
	Role      Role      `gorm:"column:role;size:16;not null" json:"role"`
	Content   string    `gorm:"column:content;type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"createdAt"`
}

// TableName binds Conversation to the project_conversations table.
func (Conversation) TableName() string {
	return "project_conversations"
}

// ProjectDetail is a project with its version history and conversation.
type ProjectDetail struct {
	Project
	Versions     []Version      `json:"versions"`
	Conversation []Conversation `json:"conversation"`
}

// Models lists the persistent types owned by this package.
func Models() []any {
	return []any{&Project{}, &Version{}, &Conversation{}}
}

// projectName derives a display name from the prompt.
func projectName(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	if utf8.RuneCountInString(trimmed) <= maxNameLength {
		return trimmed
	}
	runes := []rune(trimmed)
	return string(runes[:truncatedNameLength]) + nameEllipsis
}
