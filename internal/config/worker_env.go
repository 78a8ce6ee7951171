package config

import "github.com/steveyegge/mabd/internal/constants"

// WorkerEnv describes the values needed to build a spawned worker's
// environment. It is the single source of truth for what a child process
// receives, mirroring spec.md's "Environment propagated to every spawned
// worker" table.
type WorkerEnv struct {
	WorkerID      string
	Role          string
	ProjectPath   string
	WorkingDir    string
	LogFile       string
	HeartbeatFile string
	TownName      string
	WorktreePath  string
	WorktreeBranch string
}

// Build returns the environment variable map for a worker, to be appended
// to the spawned process's environment (on top of os.Environ()).
func (w WorkerEnv) Build() map[string]string {
	env := map[string]string{
		constants.EnvWorkerID:         w.WorkerID,
		constants.EnvWorkerRole:       w.Role,
		constants.EnvWorkerProject:    w.ProjectPath,
		constants.EnvWorkerWorkingDir: w.WorkingDir,
		constants.EnvWorkerLogFile:    w.LogFile,
		constants.EnvWorkerHeartbeat:  w.HeartbeatFile,
		constants.EnvWorkerTown:       w.TownName,
		constants.EnvTerm:             constants.DefaultTermValue,
	}
	if w.WorktreePath != "" {
		env[constants.EnvWorkerWorktree] = w.WorktreePath
		env[constants.EnvWorkerBranch] = w.WorktreeBranch
	}
	return env
}
