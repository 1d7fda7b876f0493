package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/entity"
	"github.com/loomhq/loom/internal/plan"
)

// CreatePlan persists a markdown plan artifact. It is the one "write" that
// stays available in plan mode: producing the plan is plan mode's purpose.
type CreatePlan struct {
	Store     *plan.Store
	SessionID string
}

func (c *CreatePlan) Name() string { return "create_plan" }

func (c *CreatePlan) Description() string {
	return "Save an implementation plan as a markdown document for later execution."
}

func (c *CreatePlan) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":   map[string]any{"type": "string", "description": "Short plan title"},
			"content": map[string]any{"type": "string", "description": "The plan body in markdown"},
		},
		"required": []any{"title", "content"},
	}
}

func (c *CreatePlan) ReadOnly() bool { return true }

func (c *CreatePlan) Execute(_ context.Context, args map[string]any) entity.ToolResult {
	title := strings.TrimSpace(stringArg(args, "title"))
	content := stringArg(args, "content")
	if title == "" {
		return Failure(entity.CodeInvalidArgs, "create_plan requires a title")
	}
	if strings.TrimSpace(content) == "" {
		return Failure(entity.CodeInvalidArgs, "create_plan requires a non-empty plan body")
	}

	saved, err := c.Store.Save(&plan.Plan{
		Title:     title,
		SessionID: c.SessionID,
		Content:   content,
	})
	if err != nil {
		return Failure(entity.CodeExecutionFailed, "save plan: %v", err)
	}

	return Success(
		fmt.Sprintf("Plan %q saved as %s", saved.Title, saved.ID),
		map[string]any{"plan_id": saved.ID},
	)
}
