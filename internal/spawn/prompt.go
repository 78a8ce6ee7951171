package spawn

import (
	"fmt"
	"strings"

	"github.com/steveyegge/mabd/internal/constants"
)

// pollIntervalSeconds and maxIdlePolls are the loop parameters the polling
// prompt must reproduce exactly.
const (
	pollIntervalSeconds = 30
	maxIdlePolls        = 10
)

// buildPollingPrompt assembles the prompt used when no bead id is
// supplied: the child loops querying ready work, claiming, closing, and
// repeating until maxIdlePolls consecutive empty polls, then exits.
func buildPollingPrompt(role, promptContent, workerID string) string {
	label := constants.RoleToLabel[role]
	labelFilter := ""
	if label != constants.NoLabelFilter {
		labelFilter = "-l " + label
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Autonomous Beads Worker - %s Agent\n\n", strings.ToUpper(role))
	fmt.Fprintf(&b, "## Worker ID: %s\n\n", workerID)
	fmt.Fprintf(&b, "You are a %s agent in the multi-agent beads system. You operate in a "+
		"CONTINUOUS POLLING LOOP - do NOT exit after completing one task.\n\n", role)
	b.WriteString("## CRITICAL: Setup Commands (RUN FIRST)\n\n")
	b.WriteString("**IMPORTANT**: You MUST run these setup commands FIRST before doing anything else.\n\n")
	b.WriteString("### 1. Define log function with absolute path\n```bash\n")
	b.WriteString(`log() { echo "[$(date '+%Y-%m-%d %H:%M:%S')] [$$] $1" >> "$WORKER_LOG_FILE"; }` + "\n```\n\n")
	b.WriteString("### 2. Define bd alias to use main project database\n")
	b.WriteString("Workers run in isolated git worktrees that have stale `.beads` data. " +
		"You MUST use the main project's beads database for all bd commands.\n\n```bash\n")
	b.WriteString(`alias bd='bd --db "$WORKER_PROJECT/.beads/beads.db"'` + "\n```\n\n")
	b.WriteString("This ensures all `bd` commands query the live beads database, not the worktree's stale copy.\n\n")

	b.WriteString("## Session Protocol (CONTINUOUS POLLING)\n\n")
	b.WriteString("1. **FIRST**: Run the two setup commands above (log function AND bd alias)\n")
	b.WriteString(`2. Log session start: ` + "`log \"SESSION_START\"`" + "\n")
	b.WriteString("3. Initialize idle counter: `idle_count=0`\n\n")

	b.WriteString("### MAIN WORK LOOP (repeat until max idle reached)\n\n")
	fmt.Fprintf(&b, "4. Check for work:\n   ```bash\n   bd ready %s\n   ```\n\n", labelFilter)
	b.WriteString("5. **If work is available:**\n")
	b.WriteString("   - Reset idle counter: `idle_count=0`\n")
	b.WriteString("   - Claim highest priority unblocked issue: `bd update <bead-id> --status=in_progress`\n")
	b.WriteString("   - Log claim: `log \"CLAIM: <bead-id> - <title>\"`\n")
	b.WriteString("   - Do the work following your role guidelines\n")
	b.WriteString("   - Create PR if code changes, wait for CI, merge PR\n")
	b.WriteString("   - Close bead: `bd close <bead-id> --reason=\"...\"`\n")
	b.WriteString("   - Log completion: `log \"CLOSE: <bead-id>\"`\n")
	b.WriteString("   - **RETURN TO STEP 4** (check for more work)\n\n")

	fmt.Fprintf(&b, "6. **If NO work available:**\n")
	b.WriteString("   - Increment idle counter\n")
	fmt.Fprintf(&b, "   - Log idle: `log \"NO_WORK: poll $idle_count/%d\"`\n", maxIdlePolls)
	fmt.Fprintf(&b, "   - If `idle_count < %d`:\n", maxIdlePolls)
	fmt.Fprintf(&b, "     - Wait %d seconds: `sleep %d`\n", pollIntervalSeconds, pollIntervalSeconds)
	b.WriteString("     - **RETURN TO STEP 4**\n")
	fmt.Fprintf(&b, "   - If `idle_count >= %d`:\n", maxIdlePolls)
	b.WriteString("     - Log exit: `log \"SESSION_END: max idle polls reached\"`\n")
	b.WriteString("     - Exit cleanly\n\n")

	b.WriteString("### Key Rules\n")
	fmt.Fprintf(&b, "- **NEVER exit immediately after \"NO_WORK\"** - always poll up to %d times first\n", maxIdlePolls)
	b.WriteString("- **NEVER exit after completing a bead** - always check for more work\n")
	fmt.Fprintf(&b, "- Only exit after %d consecutive polls (%d minutes) with no work\n",
		maxIdlePolls, maxIdlePolls*pollIntervalSeconds/60)
	b.WriteString("- Reset idle counter to 0 every time you successfully claim work\n\n")
	b.WriteString("---\n\n")
	b.WriteString(promptContent)
	b.WriteString("\n")
	return b.String()
}

// buildSingleTaskPrompt assembles the prompt used when a bead id is
// supplied: the child performs exactly that bead and exits, never
// looping or polling. No literal source text for this prompt survived
// distillation from the original implementation; it is authored fresh
// here in the polling prompt's idiom, per spec.md's instruction that the
// spawner reproduces "one of two" prompts selected solely by bead
// presence.
func buildSingleTaskPrompt(role, promptContent, workerID, beadID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Autonomous Beads Worker - %s Agent (Single Task)\n\n", strings.ToUpper(role))
	fmt.Fprintf(&b, "## Worker ID: %s\n\n", workerID)
	fmt.Fprintf(&b, "You are a %s agent in the multi-agent beads system, dispatched to "+
		"perform exactly ONE assigned unit of work. Do NOT poll for additional work. "+
		"Do NOT loop. Perform the assigned task and exit.\n\n", role)

	b.WriteString("## CRITICAL: Setup Commands (RUN FIRST)\n\n```bash\n")
	b.WriteString(`log() { echo "[$(date '+%Y-%m-%d %H:%M:%S')] [$$] $1" >> "$WORKER_LOG_FILE"; }` + "\n")
	b.WriteString(`alias bd='bd --db "$WORKER_PROJECT/.beads/beads.db"'` + "\n```\n\n")

	b.WriteString("## Assigned Work\n\n")
	fmt.Fprintf(&b, "Bead ID: `%s`\n\n", beadID)
	b.WriteString("## Session Protocol (SINGLE TASK)\n\n")
	b.WriteString(`1. Log session start: ` + "`log \"SESSION_START\"`" + "\n")
	fmt.Fprintf(&b, "2. Claim the assigned bead: `bd update %s --status=in_progress`\n", beadID)
	fmt.Fprintf(&b, "3. Log claim: `log \"CLAIM: %s\"`\n", beadID)
	b.WriteString("4. Do the work following your role guidelines\n")
	b.WriteString("5. Create PR if code changes, wait for CI, merge PR\n")
	fmt.Fprintf(&b, "6. Close the bead: `bd close %s --reason=\"...\"`\n", beadID)
	fmt.Fprintf(&b, "7. Log completion: `log \"CLOSE: %s\"`\n", beadID)
	b.WriteString("8. **EXIT IMMEDIATELY** — do not check for more work, do not loop\n\n")

	b.WriteString("### Key Rules\n")
	b.WriteString("- Perform exactly this one bead, nothing else\n")
	b.WriteString("- Never poll `bd ready`\n")
	b.WriteString("- Exit as soon as the bead is closed (or you determine it cannot be completed)\n\n")
	b.WriteString("---\n\n")
	b.WriteString(promptContent)
	b.WriteString("\n")
	return b.String()
}

// BuildPrompt selects the polling or single-task prompt solely based on
// whether beadID is non-empty, per spec.md §4.B.
func BuildPrompt(role, promptContent, workerID, beadID string) string {
	if beadID != "" {
		return buildSingleTaskPrompt(role, promptContent, workerID, beadID)
	}
	return buildPollingPrompt(role, promptContent, workerID)
}
