package buildsys

import "github.com/rotisserie/eris"

var (
	// ErrTaskNotFound is returned when a task or one of its dependencies isn't declared.
	ErrTaskNotFound = eris.New("task not found")
	// ErrDependencyCycle is returned when a task (indirectly) depends on itself.
	ErrDependencyCycle = eris.New("dependency cycle")
	// ErrMissingFileDep is returned when a declared file dependency doesn't exist.
	ErrMissingFileDep = eris.New("file dependency does not exist")
	// ErrTimeout is returned when a task exceeds its timeout.
	ErrTimeout = eris.New("task timed out")
)
