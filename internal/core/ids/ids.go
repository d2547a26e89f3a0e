// Package ids generates team identifiers and derives the deterministic
// branch names the rest of the core relies on.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/nikhilgarg28/delegate/internal/core/model"
)

// NewTeamID returns a fresh 6-character hex team id.
func NewTeamID() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating team id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// BranchName derives a task's branch name deterministically from the team
// id, team name, and rendered task id: delegate/<team_id>/<team>/T<NNNN>.
func BranchName(teamID, teamName string, taskID int64) string {
	return fmt.Sprintf("delegate/%s/%s/%s", teamID, teamName, model.RenderTaskID(taskID))
}

// WorktreeDirName is the on-disk directory name for a task's worktree of a
// given repo: <repo>-T<NNNN>.
func WorktreeDirName(repo string, taskID int64) string {
	return fmt.Sprintf("%s-%s", repo, model.RenderTaskID(taskID))
}
