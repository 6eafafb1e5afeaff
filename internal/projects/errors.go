package projects

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput covers blank prompts, messages and code.
	ErrInvalidInput = errors.New("projects: invalid input")
	// ErrProjectNotReady rejects revisions of a project that has no code yet.
	ErrProjectNotReady = fmt.Errorf("%w: project has no code yet", ErrInvalidInput)
	// ErrNotFound is returned for missing projects and projects owned by someone else.
	ErrNotFound = errors.New("projects: project not found")
	// ErrVersionNotFound is returned when a version does not belong to the project.
	ErrVersionNotFound = errors.New("projects: version not found")
	// ErrEmptyOutput marks a generation whose sanitized output was empty.
	ErrEmptyOutput = errors.New("projects: generation produced no code")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingLedger     = errors.New("credit ledger is required")
	errMissingCompleter  = errors.New("completer is required")
	errMissingRunner     = errors.New("task runner is required")
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "projects.service.new"
	opCreate          = "projects.create"
	opRequestRevision = "projects.request_revision"
	opManualSave      = "projects.manual_save"
	opTogglePublish   = "projects.toggle_publish"
	opDelete          = "projects.delete"
	opGet             = "projects.get"
	opList            = "projects.list"
	opGetPublished    = "projects.get_published"
	opRollback        = "projects.rollback"
	opPipeline        = "projects.pipeline"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
