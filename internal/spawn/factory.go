package spawn

import "os/exec"

// Kind selects which concrete Spawner implementation to construct.
type Kind string

const (
	KindPTY  Kind = "pty"
	KindTmux Kind = "tmux"
)

// New builds the requested Spawner implementation, resolving the claude
// CLI path if claudePath is empty.
func New(kind Kind, logsDir, claudePath string) (Spawner, error) {
	if claudePath == "" {
		found, err := findClaude()
		if err != nil {
			return nil, err
		}
		claudePath = found
	}

	switch kind {
	case KindTmux:
		return NewTmuxSpawner(logsDir, claudePath, ""), nil
	case KindPTY, "":
		return NewPTYSpawner(logsDir, claudePath), nil
	default:
		return nil, &Error{Detail: "unknown spawner kind: " + string(kind)}
	}
}

func findClaude() (string, error) {
	if p, err := exec.LookPath("claude"); err == nil {
		return p, nil
	}
	return "", &Error{Detail: "claude CLI not found on PATH"}
}
