// Package projects owns the project aggregate: creation, revision requests, versions,
// rollback, publishing and the background generation pipeline.
package projects

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultCreditCost = 5

// PreviewCleaner removes editor artifacts from code before it is stored.
type PreviewCleaner func(code string) (string, error)

// ServiceConfig wires the project service collaborators.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Ledger     CreditLedger
	Completer  Completer
	Runner     TaskRunner
	Events     EventPublisher
	Publisher  Publisher
	Cleaner    PreviewCleaner
	CreditCost int
	Logger     *zap.Logger
}

// Service implements the project operations.
type Service struct {
	db            *gorm.DB
	clock         func() time.Time
	ids           IDProvider
	ledger        CreditLedger
	runner        TaskRunner
	publisher     Publisher
	cleaner       PreviewCleaner
	cost          int
	logger        *zap.Logger
	projects      *projectStore
	versions      *versionStore
	conversations *conversationLog
	pipeline      *pipeline
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	case cfg.IDProvider == nil:
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	case cfg.Ledger == nil:
		return nil, newServiceError(opServiceNew, "missing_ledger", errMissingLedger)
	case cfg.Completer == nil:
		return nil, newServiceError(opServiceNew, "missing_completer", errMissingCompleter)
	case cfg.Runner == nil:
		return nil, newServiceError(opServiceNew, "missing_runner", errMissingRunner)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cost := cfg.CreditCost
	if cost <= 0 {
		cost = defaultCreditCost
	}
	cleaner := cfg.Cleaner
	if cleaner == nil {
		cleaner = func(code string) (string, error) { return code, nil }
	}

	projects := &projectStore{db: cfg.Database}
	versions := &versionStore{db: cfg.Database, ids: cfg.IDProvider, clock: clock}
	conversations := &conversationLog{db: cfg.Database, ids: cfg.IDProvider, clock: clock}
	return &Service{
		db:            cfg.Database,
		clock:         clock,
		ids:           cfg.IDProvider,
		ledger:        cfg.Ledger,
		runner:        cfg.Runner,
		publisher:     cfg.Publisher,
		cleaner:       cleaner,
		cost:          cost,
		logger:        logger,
		projects:      projects,
		versions:      versions,
		conversations: conversations,
		pipeline: &pipeline{
			projects:      projects,
			versions:      versions,
			conversations: conversations,
			completer:     cfg.Completer,
			ledger:        cfg.Ledger,
			events:        cfg.Events,
			publisher:     cfg.Publisher,
			clock:         clock,
			logger:        logger,
		},
	}, nil
}

// CreditCost reports the credits debited per generation attempt.
func (s *Service) CreditCost() int {
	return s.cost
}

// Create debits the generation cost, stores a new project and schedules its first
// generation. It returns as soon as the project row exists.
func (s *Service) Create(ctx context.Context, userID, prompt string) (Project, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Project{}, newServiceError(opCreate, "missing_prompt", ErrInvalidInput)
	}
	if err := s.ledger.Debit(ctx, userID, s.cost); err != nil {
		return Project{}, s.ledgerError(opCreate, err, userID)
	}

	projectID, err := s.ids.NewID()
	if err != nil {
		s.refund(userID, opCreate)
		s.logError(opCreate, "id_generation_failed", err)
		return Project{}, newServiceError(opCreate, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	project := Project{
		ID:            projectID,
		UserID:        userID,
		Name:          projectName(prompt),
		InitialPrompt: prompt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&project).Error; err != nil {
			return err
		}
		_, err := s.conversations.appendTx(tx, projectID, RoleUser, prompt)
		return err
	})
	if err != nil {
		s.refund(userID, opCreate)
		s.logError(opCreate, "project_insert_failed", err, zap.String("user_id", userID))
		return Project{}, newServiceError(opCreate, "project_insert_failed", err)
	}
	if err := s.ledger.RecordCreation(ctx, userID); err != nil {
		s.logError(opCreate, "creation_counter_failed", err, zap.String("user_id", userID))
	}

	if err := s.schedule(Task{Kind: KindInitial, ProjectID: projectID, UserID: userID, Request: prompt, Cost: s.cost}); err != nil {
		s.refund(userID, opCreate)
		s.logError(opCreate, "schedule_failed", err, zap.String("project_id", projectID))
		return Project{}, newServiceError(opCreate, "schedule_failed", err)
	}
	return project, nil
}

// RequestRevision debits the generation cost and schedules a revision of an owned project
// that already has code.
func (s *Service) RequestRevision(ctx context.Context, projectID, userID, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return newServiceError(opRequestRevision, "missing_message", ErrInvalidInput)
	}
	project, err := s.projects.findOwned(ctx, projectID, userID)
	if err != nil {
		return s.lookupError(opRequestRevision, err, projectID)
	}
	if !project.HasCode() {
		return newServiceError(opRequestRevision, "project_not_ready", ErrProjectNotReady)
	}
	if err := s.ledger.Debit(ctx, userID, s.cost); err != nil {
		return s.ledgerError(opRequestRevision, err, userID)
	}
	if _, err := s.conversations.Append(ctx, projectID, RoleUser, message); err != nil {
		s.refund(userID, opRequestRevision)
		s.logError(opRequestRevision, "conversation_append_failed", err, zap.String("project_id", projectID))
		return newServiceError(opRequestRevision, "conversation_append_failed", err)
	}
	if err := s.schedule(Task{Kind: KindRevision, ProjectID: projectID, UserID: userID, Request: message, Cost: s.cost}); err != nil {
		s.refund(userID, opRequestRevision)
		s.logError(opRequestRevision, "schedule_failed", err, zap.String("project_id", projectID))
		return newServiceError(opRequestRevision, "schedule_failed", err)
	}
	return nil
}

// ManualSave overwrites the project's code outside the version history and clears the
// version pointer.
func (s *Service) ManualSave(ctx context.Context, projectID, userID, code string) (Project, error) {
	if strings.TrimSpace(code) == "" {
		return Project{}, newServiceError(opManualSave, "missing_code", ErrInvalidInput)
	}
	cleaned, err := s.cleaner(code)
	if err != nil {
		return Project{}, newServiceError(opManualSave, "invalid_code", errors.Join(ErrInvalidInput, err))
	}
	if strings.TrimSpace(cleaned) == "" {
		return Project{}, newServiceError(opManualSave, "missing_code", ErrInvalidInput)
	}
	project, err := s.projects.findOwned(ctx, projectID, userID)
	if err != nil {
		return Project{}, s.lookupError(opManualSave, err, projectID)
	}
	now := s.clock().UTC()
	err = s.db.WithContext(ctx).Model(&Project{}).
		Where("id = ? AND user_id = ?", projectID, userID).
		Updates(map[string]any{
			"current_code":          cleaned,
			"current_version_index": "",
			"updated_at":            now,
		}).Error
	if err != nil {
		s.logError(opManualSave, "update_failed", err, zap.String("project_id", projectID))
		return Project{}, newServiceError(opManualSave, "update_failed", err)
	}
	project.CurrentCode = &cleaned
	project.CurrentVersionIndex = ""
	project.UpdatedAt = now
	s.mirror(ctx, project)
	return project, nil
}

// TogglePublish flips the publish flag and mirrors the change when a publisher is configured.
func (s *Service) TogglePublish(ctx context.Context, projectID, userID string) (Project, error) {
	project, err := s.projects.findOwned(ctx, projectID, userID)
	if err != nil {
		return Project{}, s.lookupError(opTogglePublish, err, projectID)
	}
	now := s.clock().UTC()
	published := !project.IsPublished
	err = s.db.WithContext(ctx).Model(&Project{}).
		Where("id = ? AND user_id = ?", projectID, userID).
		Updates(map[string]any{"is_published": published, "updated_at": now}).Error
	if err != nil {
		s.logError(opTogglePublish, "update_failed", err, zap.String("project_id", projectID))
		return Project{}, newServiceError(opTogglePublish, "update_failed", err)
	}
	project.IsPublished = published
	project.UpdatedAt = now
	if published {
		s.mirror(ctx, project)
	} else {
		s.unmirror(ctx, projectID)
	}
	return project, nil
}

// Delete removes the project with its versions and conversation.
func (s *Service) Delete(ctx context.Context, projectID, userID string) error {
	project, err := s.projects.findOwned(ctx, projectID, userID)
	if err != nil {
		return s.lookupError(opDelete, err, projectID)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", projectID).Delete(&Version{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", projectID).Delete(&Conversation{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ? AND user_id = ?", projectID, userID).Delete(&Project{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return newServiceError(opDelete, "not_found", ErrNotFound)
		}
		s.logError(opDelete, "delete_failed", err, zap.String("project_id", projectID))
		return newServiceError(opDelete, "delete_failed", err)
	}
	if project.IsPublished {
		s.unmirror(ctx, projectID)
	}
	return nil
}

// Get returns an owned project with its versions and conversation.
func (s *Service) Get(ctx context.Context, projectID, userID string) (ProjectDetail, error) {
	project, err := s.projects.findOwned(ctx, projectID, userID)
	if err != nil {
		return ProjectDetail{}, s.lookupError(opGet, err, projectID)
	}
	versions, err := s.versions.List(ctx, projectID)
	if err != nil {
		s.logError(opGet, "versions_query_failed", err, zap.String("project_id", projectID))
		return ProjectDetail{}, newServiceError(opGet, "versions_query_failed", err)
	}
	conversation, err := s.conversations.List(ctx, projectID)
	if err != nil {
		s.logError(opGet, "conversation_query_failed", err, zap.String("project_id", projectID))
		return ProjectDetail{}, newServiceError(opGet, "conversation_query_failed", err)
	}
	return ProjectDetail{Project: project, Versions: versions, Conversation: conversation}, nil
}

// List returns the user's projects, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]Project, error) {
	projects, err := s.projects.listOwned(ctx, userID)
	if err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return projects, nil
}

// GetPublished returns the code of a published project without an ownership check.
func (s *Service) GetPublished(ctx context.Context, projectID string) (string, error) {
	project, err := s.projects.findByID(ctx, projectID)
	if err != nil {
		return "", s.lookupError(opGetPublished, err, projectID)
	}
	if !project.IsPublished || !project.HasCode() {
		return "", newServiceError(opGetPublished, "not_found", ErrNotFound)
	}
	return *project.CurrentCode, nil
}

// Rollback points the project at one of its earlier versions. No version is appended.
func (s *Service) Rollback(ctx context.Context, projectID, userID, versionID string) (Project, error) {
	project, err := s.projects.findOwned(ctx, projectID, userID)
	if err != nil {
		return Project{}, s.lookupError(opRollback, err, projectID)
	}
	version, err := s.versions.Find(ctx, projectID, strings.TrimSpace(versionID))
	if errors.Is(err, ErrVersionNotFound) {
		return Project{}, newServiceError(opRollback, "version_not_found", err)
	}
	if err != nil {
		s.logError(opRollback, "version_query_failed", err, zap.String("project_id", projectID))
		return Project{}, newServiceError(opRollback, "version_query_failed", err)
	}
	now := s.clock().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := movePointer(tx, projectID, version, now); err != nil {
			return err
		}
		_, err := s.conversations.appendTx(tx, projectID, RoleAssistant, noteRolledBack)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Project{}, newServiceError(opRollback, "not_found", ErrNotFound)
		}
		s.logError(opRollback, "update_failed", err, zap.String("project_id", projectID))
		return Project{}, newServiceError(opRollback, "update_failed", err)
	}
	code := version.Code
	project.CurrentCode = &code
	project.CurrentVersionIndex = version.ID
	project.UpdatedAt = now
	s.mirror(ctx, project)
	return project, nil
}

func (s *Service) schedule(task Task) error {
	return s.runner.Go(task.ProjectID, func(ctx context.Context) {
		s.pipeline.run(ctx, task)
	})
}

func (s *Service) refund(userID, operation string) {
	if err := s.ledger.Credit(context.Background(), userID, s.cost); err != nil {
		s.logError(operation, "refund_failed", err, zap.String("user_id", userID), zap.Int("amount", s.cost))
	}
}

func (s *Service) mirror(ctx context.Context, project Project) {
	if s.publisher == nil || !project.IsPublished || !project.HasCode() {
		return
	}
	if _, err := s.publisher.Publish(ctx, project.ID, *project.CurrentCode); err != nil {
		s.logError("projects.mirror", "publish_failed", err, zap.String("project_id", project.ID))
	}
}

func (s *Service) unmirror(ctx context.Context, projectID string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Unpublish(ctx, projectID); err != nil {
		s.logError("projects.mirror", "unpublish_failed", err, zap.String("project_id", projectID))
	}
}

func (s *Service) ledgerError(operation string, err error, userID string) error {
	switch {
	case errors.Is(err, users.ErrInsufficientCredits):
		return newServiceError(operation, "insufficient_credits", err)
	case errors.Is(err, users.ErrUserNotFound):
		return newServiceError(operation, "user_not_found", err)
	default:
		s.logError(operation, "debit_failed", err, zap.String("user_id", userID))
		return newServiceError(operation, "debit_failed", err)
	}
}

func (s *Service) lookupError(operation string, err error, projectID string) error {
	if errors.Is(err, ErrNotFound) {
		return newServiceError(operation, "not_found", ErrNotFound)
	}
	s.logError(operation, "query_failed", err, zap.String("project_id", projectID))
	return newServiceError(operation, "query_failed", err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("projects service error", attrs...)
}
