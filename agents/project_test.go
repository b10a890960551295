package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyantlabs/concierge-core/core"
)

func TestProjectCreateOnFirstMention(t *testing.T) {
	req, st := captureRequest(t, `kicking off project "Kitchen Remodel" this week`)
	ctx := context.Background()

	res, err := NewProject().Handle(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.SideEffects, 1)
	assert.Equal(t, "create", res.SideEffects[0].Op)
	applyEffects(t, res)

	p, err := st.ProjectByName(ctx, "alice", "Kitchen Remodel")
	require.NoError(t, err)
	assert.Equal(t, "open", p.Status)
}

func TestProjectUpdateAppendsNote(t *testing.T) {
	req, st := captureRequest(t, `project "Kitchen Remodel" countertop delivery slipped a week`)
	ctx := context.Background()

	require.NoError(t, st.CreateProject(ctx, &core.Project{
		ID: "p1", ClientID: "alice", Name: "Kitchen Remodel", Status: "open",
	}))

	res, err := NewProject().Handle(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.SideEffects, 1)
	assert.Equal(t, "update", res.SideEffects[0].Op)
	assert.Equal(t, "p1", res.SideEffects[0].EntityID)
	applyEffects(t, res)

	p, err := st.Project(ctx, "p1")
	require.NoError(t, err)
	assert.Contains(t, p.Notes, "countertop delivery slipped")
}

func TestProjectCompleteSetsStatus(t *testing.T) {
	req, st := captureRequest(t, `project "Kitchen Remodel" is done`)
	ctx := context.Background()

	require.NoError(t, st.CreateProject(ctx, &core.Project{
		ID: "p1", ClientID: "alice", Name: "Kitchen Remodel", Status: "open",
	}))

	res, err := NewProject().Handle(ctx, req)
	require.NoError(t, err)
	applyEffects(t, res)

	p, err := st.Project(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "completed", p.Status)
}

func TestProjectDeleteCancelsOwnedReminders(t *testing.T) {
	req, st := captureRequest(t, `drop project "Kitchen Remodel"`)
	ctx := context.Background()

	require.NoError(t, st.CreateProject(ctx, &core.Project{
		ID: "p1", ClientID: "alice", Name: "Kitchen Remodel", Status: "open",
	}))
	require.NoError(t, st.CreateReminderRule(ctx, &core.ReminderRule{
		ID: "rule-1", ClientID: "alice", ConversationID: "conv-1",
		Trigger:   core.Trigger{Kind: core.TriggerAt, At: captureNow},
		Status:    core.RuleActive,
		OwnerRef:  "project:p1",
		CreatedAt: captureNow,
	}))

	res, err := NewProject().Handle(ctx, req)
	require.NoError(t, err)
	applyEffects(t, res)

	p, err := st.Project(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "deleted", p.Status)

	rule, err := st.ReminderRule(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, core.RuleCancelled, rule.Status)
}

func TestProjectWithoutNameAsks(t *testing.T) {
	req, _ := captureRequest(t, "some progress on the thing")
	res, err := NewProject().Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.SideEffects)
	assert.Equal(t, "Which project is this about?", res.Text)
}

func TestExtractProjectName(t *testing.T) {
	assert.Equal(t, "Kitchen Remodel", extractProjectName(`update on project "Kitchen Remodel"`))
	assert.Equal(t, "atlas", extractProjectName("project atlas is moving"))
	assert.Equal(t, "", extractProjectName("no mention here"))
}
