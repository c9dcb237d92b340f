// Package behavior holds the concrete work a task can perform. The set is
// closed: New resolves a kind tag once, when the task is built.
package behavior

import (
	"errors"
	"fmt"

	"taskhub/internal/core"
)

// Kind tags understood by New.
const (
	KindScript       = "script"
	KindFileTransfer = "file_transfer"
	KindGit          = "git"
	KindSQL          = "sql"
)

// ErrUnknownKind is returned by New for an unsupported kind tag.
var ErrUnknownKind = errors.New("unknown task kind")

// Kinds lists the supported kind tags.
func Kinds() []string {
	return []string{KindScript, KindFileTransfer, KindGit, KindSQL}
}

// Deps are shared collaborators handed to behaviors.
type Deps struct {
	// Pool bounds concurrent git and mysql client processes.
	Pool *Pool
	// OpenAdmin overrides the MySQL connection used for schema statements.
	OpenAdmin AdminOpener
}

// New builds the behavior for kind from its configuration payload.
func New(kind string, cfg map[string]any, deps Deps) (core.Behavior, error) {
	s := settings(cfg)
	switch kind {
	case KindScript:
		return newScript(s), nil
	case KindFileTransfer:
		return newFileTransfer(s), nil
	case KindGit:
		return newGitSync(s, deps.Pool), nil
	case KindSQL:
		return newSQLDatabase(s, deps.Pool, deps.OpenAdmin), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
