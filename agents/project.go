package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/voyantlabs/concierge-core/core"
)

// Project applies project and task updates from the client's message.
// All mutations are staged as side effects so the orchestrator can
// arbitrate when another agent targets the same project in the same
// dispatch.
type Project struct{}

// NewProject creates the project agent.
func NewProject() *Project { return &Project{} }

func (a *Project) Name() string { return NameProject }

var projectNameRe = regexp.MustCompile(`(?i)project\s+"([^"]+)"|project\s+([A-Za-z0-9][\w-]*)`)

func (a *Project) Handle(ctx context.Context, req *Request) (*core.AgentResult, error) {
	result := &core.AgentResult{Agent: a.Name(), Confidence: 0.8}

	name := extractProjectName(req.Message.Text)
	if name == "" {
		result.Text = "Which project is this about?"
		return result, nil
	}

	lower := strings.ToLower(req.Message.Text)
	existing, err := req.Store.ProjectByName(ctx, req.Conversation.ClientID, name)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	switch {
	case existing == nil:
		id := uuid.New().String()
		result.Text = fmt.Sprintf("Started tracking project %s.", name)
		result.SideEffects = []core.SideEffect{{
			Kind:     "project",
			EntityID: id,
			Op:       "create",
			Apply: claimed(req.Store, req.Message.ID, a.Name(), func(ctx context.Context) error {
				return req.Store.CreateProject(ctx, &core.Project{
					ID:       id,
					ClientID: req.Conversation.ClientID,
					Name:     name,
					Status:   "open",
				})
			}),
		}}

	case strings.Contains(lower, "delete") || strings.Contains(lower, "drop"):
		projectID := existing.ID
		result.Text = fmt.Sprintf("Closed out project %s and cancelled its reminders.", name)
		result.SideEffects = []core.SideEffect{{
			Kind:     "project",
			EntityID: projectID,
			Op:       "delete",
			Apply: claimed(req.Store, req.Message.ID, a.Name(), func(ctx context.Context) error {
				if err := a.mutate(ctx, req, projectID, func(p *core.Project) {
					p.Status = "deleted"
				}); err != nil {
					return err
				}
				// Reminders owned by a deleted project die with it.
				_, err := req.Store.CancelReminderRulesByOwner(ctx, "project:"+projectID)
				return err
			}),
		}}

	case strings.Contains(lower, "done") || strings.Contains(lower, "complete"):
		projectID := existing.ID
		result.Text = fmt.Sprintf("Marked project %s complete. Nice work.", name)
		result.SideEffects = []core.SideEffect{{
			Kind:     "project",
			EntityID: projectID,
			Op:       "update",
			Apply: claimed(req.Store, req.Message.ID, a.Name(), func(ctx context.Context) error {
				return a.mutate(ctx, req, projectID, func(p *core.Project) {
					p.Status = "completed"
				})
			}),
		}}

	default:
		projectID := existing.ID
		note := req.Message.Text
		result.Text = fmt.Sprintf("Logged that update on project %s.", name)
		result.SideEffects = []core.SideEffect{{
			Kind:     "project",
			EntityID: projectID,
			Op:       "update",
			Apply: claimed(req.Store, req.Message.ID, a.Name(), func(ctx context.Context) error {
				return a.mutate(ctx, req, projectID, func(p *core.Project) {
					if p.Notes != "" {
						p.Notes += "\n"
					}
					p.Notes += note
				})
			}),
		}}
	}
	return result, nil
}

// mutate applies fn under optimistic concurrency, re-reading and
// retrying once on a stale version before reporting the conflict.
func (a *Project) mutate(ctx context.Context, req *Request, projectID string, fn func(*core.Project)) error {
	for attempt := 0; attempt < 2; attempt++ {
		p, err := req.Store.Project(ctx, projectID)
		if err != nil {
			return err
		}
		fn(p)
		err = req.Store.UpdateProject(ctx, p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return err
		}
	}
	return core.ErrVersionConflict
}

func extractProjectName(text string) string {
	m := projectNameRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

var _ Agent = (*Project)(nil)
