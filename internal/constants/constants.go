// Package constants holds the fixed tables the daemon reproduces exactly:
// role names, role-to-label mappings used for bead filtering, environment
// variable names exported to every spawned worker, and on-disk file names.
package constants

import "path/filepath"

// Worker roles. This is the closed set; spawn rejects anything else.
const (
	RoleDev       = "dev"
	RoleQA        = "qa"
	RoleTechLead  = "tech_lead"
	RoleManager   = "manager"
	RoleReviewer  = "reviewer"
)

// ValidRoles is the closed set of roles a worker may be spawned with.
var ValidRoles = map[string]bool{
	RoleDev:      true,
	RoleQA:       true,
	RoleTechLead: true,
	RoleManager:  true,
	RoleReviewer: true,
}

// NoLabelFilter is the sentinel used by RoleToLabel for roles that receive
// no "-l" filter at all (currently only the manager role).
const NoLabelFilter = ""

// RoleToLabel maps a worker role to the bead label used to filter
// `bd ready -l <label>`. The manager role deliberately has no filter.
var RoleToLabel = map[string]string{
	RoleDev:      "dev",
	RoleQA:       "qa",
	RoleTechLead: "architecture",
	RoleReviewer: "review",
	RoleManager:  NoLabelFilter,
}

// RoleToPromptFile maps a worker role to the instruction file read from the
// project's prompts/ directory.
var RoleToPromptFile = map[string]string{
	RoleDev:      "DEVELOPER.md",
	RoleQA:       "QA.md",
	RoleTechLead: "TECH_LEAD.md",
	RoleReviewer: "CODE_REVIEWER.md",
	RoleManager:  "MANAGER.md",
}

// Environment variable names exported to every spawned worker.
const (
	EnvWorkerID          = "WORKER_ID"
	EnvWorkerRole        = "WORKER_ROLE"
	EnvWorkerProject     = "WORKER_PROJECT"
	EnvWorkerWorkingDir  = "WORKER_WORKING_DIR"
	EnvWorkerLogFile     = "WORKER_LOG_FILE"
	EnvWorkerHeartbeat   = "WORKER_HEARTBEAT_FILE"
	EnvWorkerTown        = "WORKER_TOWN"
	EnvWorkerWorktree    = "WORKER_WORKTREE"
	EnvWorkerBranch      = "WORKER_BRANCH"
	EnvTerm              = "TERM"
	DefaultTermValue     = "xterm-256color"
)

// On-disk layout under the daemon home directory (default ~/.mab).
const (
	DaemonPIDFile    = "daemon.pid"
	DaemonLockFile   = "daemon.lock"
	DaemonLogFile    = "daemon.log"
	SocketFile       = "mab.sock"
	DatabaseFile     = "workers.db"
	ConfigFile       = "config.toml"
	HeartbeatDirName = "heartbeat"
	LogsDirName      = "logs"
)

// WorktreesDirName is the per-project directory holding isolated checkouts.
const WorktreesDirName = ".worktrees"

// HeartbeatPath returns the heartbeat file path for a worker id under home.
func HeartbeatPath(home, workerID string) string {
	return filepath.Join(home, HeartbeatDirName, workerID+".heartbeat")
}

// LogPath returns the per-spawn log file path for a worker under home.
func LogPath(home, workerID, timestamp string) string {
	return filepath.Join(home, LogsDirName, workerID+"_"+timestamp+".log")
}

// WorktreePath returns the isolated checkout path for a worker under a
// project root.
func WorktreePath(projectPath, workerID string) string {
	return filepath.Join(projectPath, WorktreesDirName, workerID)
}
