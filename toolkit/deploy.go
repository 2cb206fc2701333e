package toolkit

import (
	"context"
	"fmt"

	"github.com/okcvm/okcvm/deployment"
	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/toolspec"
	"github.com/okcvm/okcvm/workspace"
)

// DeployWebsiteTool implements mshtools-deploy_website (spec.md §4.3
// "Deploy website", delegating the materialise/serve/cleanup mechanics to
// the Deployment Store, spec.md §4.4). Grounded on tools/deployment.py's
// deploy_website tool wrapper.
type DeployWebsiteTool struct {
	ws          *workspace.Workspace
	deployments *deployment.Store
	sessionID   string
}

// NewDeployWebsiteTool constructs a DeployWebsiteTool bound to ws's
// workspace and the process-wide Deployment Store, tagging every
// deployment it creates with sessionID so it can be cleaned up alongside
// the session (spec.md §4.4 "Cleanup on session delete").
func NewDeployWebsiteTool(ws *workspace.Workspace, deployments *deployment.Store, sessionID string) toolregistry.Tool {
	return &DeployWebsiteTool{ws: ws, deployments: deployments, sessionID: sessionID}
}

// Call implements toolregistry.Tool.
func (t *DeployWebsiteTool) Call(_ context.Context, args map[string]any) toolspec.Result {
	dir, _ := args["directory"].(string)
	if dir == "" {
		dir, _ = args["source"].(string)
	}
	if dir == "" {
		return toolspec.Fail("'directory' is required")
	}

	source, err := t.ws.Resolve(dir)
	if err != nil {
		return toolspec.Fail(fmt.Sprintf("resolve directory: %v", err))
	}

	siteName, _ := args["name"].(string)
	entryHint, _ := args["entry_file"].(string)
	force, _ := args["force"].(bool)
	startServer, _ := args["start_server"].(bool)

	record, err := t.deployments.Deploy(deployment.DeployOptions{
		SourceDir:   source,
		SiteName:    siteName,
		SessionID:   t.sessionID,
		EntryHint:   entryHint,
		Force:       force,
		StartServer: startServer,
	})
	if err != nil {
		return toolspec.Fail(fmt.Sprintf("deploy website: %v", err))
	}

	data := map[string]any{
		"deployment": map[string]any{
			"id":          record.ID,
			"name":        record.Name,
			"slug":        record.Slug,
			"preview_url": record.PreviewURL,
			"entry_path":  record.EntryPath,
		},
		"preview_url": record.PreviewURL,
	}
	if record.Server != nil {
		data["server_info"] = record.Server
	}
	return toolspec.Ok(fmt.Sprintf("Deployed %s as site %s (id %s)", record.Name, record.Slug, record.ID), data)
}
