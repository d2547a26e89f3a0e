// Package model defines the persistent domain entities shared by every core
// component: Team, Member, Message, Task, Comment, Review, Activity and
// Worktree. The Store is the only component that mutates these; everyone
// else reads copies returned from Store calls.
package model

import (
	"fmt"
	"time"
)

// Team is a named container that isolates members, tasks, and branches.
type Team struct {
	TeamID    string // 6-hex, generated at creation
	Name      string
	Charter   string
	CreatedAt time.Time
}

// MemberKind distinguishes the three kinds of team member.
type MemberKind string

const (
	KindAgent  MemberKind = "agent"
	KindHuman  MemberKind = "human"
	KindSystem MemberKind = "system"
)

// MemberRole is the member's function within the team.
type MemberRole string

const (
	RoleManager  MemberRole = "manager"
	RoleWorker   MemberRole = "worker"
	RoleReviewer MemberRole = "reviewer"
	RoleQA       MemberRole = "qa"
)

// SystemMemberName is reserved and cannot be used by any other member.
const SystemMemberName = "system"

// Member is a participant in a team: an agent, a human operator, or the
// reserved system pseudo-member.
type Member struct {
	Name          string
	Kind          MemberKind
	Role          MemberRole
	Seniority     string
	TeamID        string
	PID           *int // set while an agent turn is executing
	Quarantined   bool
	FailureStreak int
}

// IsActive reports whether the member currently has a turn in flight.
func (m Member) IsActive() bool { return m.PID != nil }

// MessageType differentiates informational traffic from requests that
// expect a reply; purely advisory, does not affect lifecycle.
type MessageType string

const (
	MessageInfo       MessageType = "info"
	MessageRequest    MessageType = "request"
	MessageResponse   MessageType = "response"
	MessageCompletion MessageType = "completion"
	MessageError      MessageType = "error"
)

// Message is an append-only record carrying inter-member communication. Its
// lifecycle timestamps are a total order: SentAt <= DeliveredAt <= SeenAt <=
// ProcessedAt, each set at most once.
type Message struct {
	ID          int64
	TeamID      string
	Sender      string
	Recipient   string
	Content     string
	Type        MessageType
	TaskID      string // empty unless attribution required
	SentAt      time.Time
	DeliveredAt *time.Time
	SeenAt      *time.Time
	ProcessedAt *time.Time
}

// Delivered reports whether the message has reached the recipient's inbox.
func (m Message) Delivered() bool { return m.DeliveredAt != nil }

// Processed reports whether the recipient's turn has consumed the message.
func (m Message) Processed() bool { return m.ProcessedAt != nil }

// TaskStatus is a task's current workflow stage.
type TaskStatus string

const (
	StatusTodo        TaskStatus = "todo"
	StatusInProgress  TaskStatus = "in_progress"
	StatusInReview    TaskStatus = "in_review"
	StatusInApproval  TaskStatus = "in_approval"
	StatusMerging     TaskStatus = "merging"
	StatusDone        TaskStatus = "done"
	StatusRejected    TaskStatus = "rejected"
	StatusMergeFailed TaskStatus = "merge_failed"
	StatusCancelled   TaskStatus = "cancelled"
	StatusError       TaskStatus = "error"
)

// Terminal statuses are immutable except for their Attachments list.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// Task is the unit of work a team executes. ID is monotonic per team and
// rendered "T%04d"; Branch is derived deterministically from TeamID, the
// team name and ID.
type Task struct {
	ID              int64
	TeamID          string
	Title           string
	Description     string
	DRI             string // immutable once set
	Assignee        string
	Status          TaskStatus
	Priority        int
	Repos           []string
	BaseSHA         map[string]string // repo -> sha at worktree creation
	Branch          string
	WorkflowName    string
	WorkflowVersion int
	DependsOn       []int64
	Attachments     []string
	ReviewAttempt   int
	RetryCount      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	RejectionReason string
}

// RenderedID formats a task id as "T0001"-style identifier.
func (t Task) RenderedID() string { return RenderTaskID(t.ID) }

// RenderTaskID formats a raw monotonic id into the "T%04d" display form.
func RenderTaskID(id int64) string {
	return fmt.Sprintf("T%04d", id)
}

// ReviewVerdict is the outcome of a review pass.
type ReviewVerdict string

const (
	VerdictPass    ReviewVerdict = "pass"
	VerdictFail    ReviewVerdict = "fail"
	VerdictPending ReviewVerdict = "pending"
)

// Review captures one reviewer's verdict for one in_review attempt.
type Review struct {
	TaskID   int64
	Attempt  int
	Reviewer string
	Verdict  ReviewVerdict
	Summary  string
	Comments []string
	At       time.Time
}

// Comment is a single free-text entry in a task's ordered comment log.
type Comment struct {
	TaskID  int64
	Author  string
	Body    string
	At      time.Time
	Ordinal int
}

// Activity is an append-only event describing something that happened,
// fanned out to live observers via the EventBus and rolled up for
// per-agent/per-task cost and usage stats.
type Activity struct {
	TeamID    string
	Agent     string
	Type      string
	TaskID    string
	Payload   string
	Timestamp time.Time
}

// Worktree is the transient per-task git working directory.
type Worktree struct {
	TaskID  int64
	Repo    string
	Path    string
	Branch  string
	BaseSHA string
}
