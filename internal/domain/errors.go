package domain

import "errors"

var (
	// ErrDefinitionNotFound is returned when a task or cron references an
	// unregistered definition id.
	ErrDefinitionNotFound = errors.New("genflow: definition not found")

	// ErrDefinitionExists is returned by strict-mode registration when the id
	// is already taken.
	ErrDefinitionExists = errors.New("genflow: definition already registered")

	// ErrTaskNotFound is returned by accessors and mutators given an unknown
	// task id.
	ErrTaskNotFound = errors.New("genflow: task not found")

	// ErrTaskNotQueued is returned when a dispatch races a status change and
	// the task is no longer queued. Terminal tasks stay terminal.
	ErrTaskNotQueued = errors.New("genflow: task is not queued")

	// ErrCronJobNotFound is returned by cron accessors given an unknown id.
	ErrCronJobNotFound = errors.New("genflow: cron job not found")

	// ErrDeadLetterNotFound is returned when a dead-letter entry id is unknown.
	ErrDeadLetterNotFound = errors.New("genflow: dead letter entry not found")

	// ErrResultNotFound is returned when no execution result exists for a task.
	ErrResultNotFound = errors.New("genflow: task result not found")
)
