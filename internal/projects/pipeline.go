package projects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Stage names a step of the generation pipeline.
type Stage string

const (
	StagePending      Stage = "pending"
	StageEnhancing    Stage = "enhancing"
	StageSynthesizing Stage = "synthesizing"
	StageSanitizing   Stage = "sanitizing"
	StageCommitted    Stage = "committed"
	StageFailed       Stage = "failed"
)

// Kind distinguishes the first generation of a project from later revisions.
type Kind string

const (
	KindInitial  Kind = "initial"
	KindRevision Kind = "revision"
)

// Event types published to realtime subscribers.
const (
	EventProjectUpdated   = "project-updated"
	EventGenerationFailed = "generation-failed"
)

// CreditLedger debits and refunds user credits.
type CreditLedger interface {
	Debit(ctx context.Context, userID string, amount int) error
	Credit(ctx context.Context, userID string, amount int) error
	RecordCreation(ctx context.Context, userID string) error
}

// Completer is the language model collaborator.
type Completer interface {
	Complete(ctx context.Context, systemInstruction, userContent string) (string, error)
}

// Event describes a pipeline outcome for the project owner.
type Event struct {
	Type      string
	UserID    string
	ProjectID string
	VersionID string
	Detail    string
	Timestamp time.Time
}

// EventPublisher delivers pipeline outcomes to live subscribers.
type EventPublisher interface {
	PublishProjectEvent(event Event)
}

// Publisher mirrors published project code to external storage.
type Publisher interface {
	Publish(ctx context.Context, projectID, code string) (string, error)
	Unpublish(ctx context.Context, projectID string) error
}

// Task is one generation attempt owning exactly one debit of Cost credits.
type Task struct {
	Kind      Kind
	ProjectID string
	UserID    string
	Request   string
	Cost      int
}

// pipeline turns a request into a committed version or a refunded failure.
type pipeline struct {
	projects      *projectStore
	versions      *versionStore
	conversations *conversationLog
	completer     Completer
	ledger        CreditLedger
	events        EventPublisher
	publisher     Publisher
	clock         func() time.Time
	logger        *zap.Logger
}

// run executes task to completion. The refund happens at most once per call, including
// when a stage panics.
func (p *pipeline) run(ctx context.Context, task Task) (outcome Stage) {
	stage := StagePending
	settled := false
	defer func() {
		if recovered := recover(); recovered != nil {
			if settled {
				p.logError("panic_after_settle", fmt.Errorf("panic: %v", recovered),
					zap.String("project_id", task.ProjectID))
				outcome = stage
				return
			}
			p.fail(ctx, task, stage, fmt.Errorf("panic: %v", recovered))
			outcome = StageFailed
		}
	}()

	advance := func(next Stage) {
		stage = next
		p.logger.Info("generation stage",
			zap.String("operation", opPipeline),
			zap.String("project_id", task.ProjectID),
			zap.String("kind", string(task.Kind)),
			zap.String("stage", string(stage)))
	}
	failAt := func(err error) Stage {
		settled = true
		p.fail(ctx, task, stage, err)
		return StageFailed
	}

	advance(StagePending)

	advance(StageEnhancing)
	enhanced, err := p.completer.Complete(ctx, enhanceInstruction, task.Request)
	if err != nil {
		return failAt(err)
	}
	if strings.TrimSpace(enhanced) == "" {
		enhanced = task.Request
	}

	advance(StageSynthesizing)
	instruction, content := synthesizeInstruction, enhanced
	if task.Kind == KindRevision {
		project, err := p.projects.findByID(ctx, task.ProjectID)
		if err != nil {
			return failAt(err)
		}
		if !project.HasCode() {
			return failAt(ErrProjectNotReady)
		}
		instruction, content = reviseInstruction, revisionContent(*project.CurrentCode, enhanced)
	}
	raw, err := p.completer.Complete(ctx, instruction, content)
	if err != nil {
		return failAt(err)
	}

	advance(StageSanitizing)
	code := Sanitize(raw)
	if code == "" {
		return failAt(ErrEmptyOutput)
	}

	description := descriptionInitial
	note := noteGenerated
	if task.Kind == KindRevision {
		description = descriptionRevision
		note = noteRevised
	}
	version, err := p.versions.Commit(ctx, task.ProjectID, code, description)
	if err != nil {
		return failAt(err)
	}
	settled = true
	advance(StageCommitted)
	p.succeed(ctx, task, version, note)
	return StageCommitted
}

func (p *pipeline) succeed(ctx context.Context, task Task, version Version, note string) {
	if _, err := p.conversations.Append(ctx, task.ProjectID, RoleAssistant, note); err != nil {
		p.logError("conversation_append_failed", err, zap.String("project_id", task.ProjectID))
	}
	if p.publisher != nil {
		project, err := p.projects.findByID(ctx, task.ProjectID)
		if err == nil && project.IsPublished {
			if _, err := p.publisher.Publish(ctx, task.ProjectID, version.Code); err != nil {
				p.logError("mirror_failed", err, zap.String("project_id", task.ProjectID))
			}
		}
	}
	p.publish(Event{
		Type:      EventProjectUpdated,
		UserID:    task.UserID,
		ProjectID: task.ProjectID,
		VersionID: version.ID,
		Detail:    string(task.Kind),
	})
}

// fail refunds the task's debit and records the failure. It runs on a context that ignores
// cancellation so shutdown never skips a refund.
func (p *pipeline) fail(ctx context.Context, task Task, stage Stage, cause error) {
	ctx = context.WithoutCancel(ctx)
	p.logError("generation_failed", cause,
		zap.String("project_id", task.ProjectID),
		zap.String("user_id", task.UserID),
		zap.String("kind", string(task.Kind)),
		zap.String("stage", string(stage)))

	if task.Cost > 0 {
		if err := p.ledger.Credit(ctx, task.UserID, task.Cost); err != nil {
			p.logError("refund_failed", err,
				zap.String("user_id", task.UserID),
				zap.Int("amount", task.Cost))
		}
	}
	if !errors.Is(cause, ErrNotFound) {
		if _, err := p.conversations.Append(ctx, task.ProjectID, RoleAssistant, fmt.Sprintf(noteFailedFmt, task.Cost)); err != nil {
			p.logError("conversation_append_failed", err, zap.String("project_id", task.ProjectID))
		}
	}
	p.publish(Event{
		Type:      EventGenerationFailed,
		UserID:    task.UserID,
		ProjectID: task.ProjectID,
		Detail:    string(stage),
	})
}

func (p *pipeline) publish(event Event) {
	if p.events == nil {
		return
	}
	event.Timestamp = p.clock().UTC()
	p.events.PublishProjectEvent(event)
}

func (p *pipeline) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opPipeline),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("projects pipeline error", attrs...)
}
