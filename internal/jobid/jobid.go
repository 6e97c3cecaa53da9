// Package jobid parses and formats job identifiers, which are either a bare
// remote task id or "scope:taskId" when a client session owns the job.
package jobid

import (
	"errors"
	"strings"
)

const separator = ":"

// ErrInvalid is returned for empty ids or ids with an empty task part.
var ErrInvalid = errors.New("invalid job id")

// ScopedJobID binds a remote task id to an optional owning session scope.
type ScopedJobID struct {
	Scope  string
	TaskID string
}

// New builds an id; an empty scope yields a bare task id.
func New(scope, taskID string) ScopedJobID {
	return ScopedJobID{Scope: strings.TrimSpace(scope), TaskID: strings.TrimSpace(taskID)}
}

// Parse splits on the first separator. Task ids never contain one, scopes may not either.
func Parse(s string) (ScopedJobID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ScopedJobID{}, ErrInvalid
	}
	scope, task, found := strings.Cut(s, separator)
	if !found {
		return ScopedJobID{TaskID: s}, nil
	}
	if task == "" || strings.Contains(task, separator) {
		return ScopedJobID{}, ErrInvalid
	}
	return ScopedJobID{Scope: scope, TaskID: task}, nil
}

func (id ScopedJobID) String() string {
	if id.Scope == "" {
		return id.TaskID
	}
	return id.Scope + separator + id.TaskID
}

// IsScoped reports whether a session scope is present.
func (id ScopedJobID) IsScoped() bool {
	return id.Scope != ""
}

// MatchesTask reports whether full is this task id under some scope, the
// fallback used when the caller only knows the remote task id.
func MatchesTask(full, taskID string) bool {
	if taskID == "" {
		return false
	}
	return full == taskID || strings.HasSuffix(full, separator+taskID)
}

// OwnedBy implements the soft ownership check on poll requests: with no
// session supplied every id is accessible, otherwise the id must carry the
// session as its scope prefix.
func OwnedBy(full, session string) bool {
	if session == "" {
		return true
	}
	return strings.HasPrefix(full, session+separator)
}
