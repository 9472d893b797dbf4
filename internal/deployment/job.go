package deployment

import (
	"time"

	"deployhook/internal/event"
	"deployhook/internal/rules"

	"github.com/google/uuid"
)

// State is a deployment job's position in its lifecycle:
// pending -> syncing -> deploying -> succeeded | failed.
type State string

const (
	StatePending   State = "pending"
	StateSyncing   State = "syncing"
	StateDeploying State = "deploying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Job is one matched push waiting to be deployed. It is consumed exactly
// once by an Executor and never persisted.
type Job struct {
	ID         string
	Rule       rules.Rule
	CloneURL   string
	Branch     string
	Commit     string
	DeliveryID string
	CreatedAt  time.Time
}

// NewJob builds a job for a push that matched rule.
func NewJob(rule rules.Rule, push *event.PushEvent, deliveryID string) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Rule:       rule.WithDefaults(),
		CloneURL:   push.CloneURL,
		Branch:     push.Branch,
		Commit:     push.Commit,
		DeliveryID: deliveryID,
		CreatedAt:  time.Now(),
	}
}

// LogAttrs returns the attributes every log line about this job carries.
func (j *Job) LogAttrs() []any {
	attrs := []any{
		"job_id", j.ID,
		"repo", j.Rule.Repo,
		"branch", j.Branch,
		"target", j.Rule.Target,
		"app", j.Rule.AppName,
	}
	if j.Commit != "" {
		attrs = append(attrs, "commit", j.Commit)
	}
	if j.DeliveryID != "" {
		attrs = append(attrs, "delivery_id", j.DeliveryID)
	}
	return attrs
}
