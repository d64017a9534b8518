package tools

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/daemon"
	"github.com/brandon/mailsync/internal/store"
)

// Registry manages control-surface tools
type Registry struct {
	manager *daemon.Manager
	store   *store.Store
	logger  *logrus.Logger
	tools   map[string]Tool
}

// Tool represents one callable tool
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// NewRegistry creates a new tool registry
func NewRegistry(manager *daemon.Manager, st *store.Store, logger *logrus.Logger) *Registry {
	reg := &Registry{
		manager: manager,
		store:   st,
		logger:  logger,
		tools:   make(map[string]Tool),
	}

	reg.registerTools()

	return reg
}

func (r *Registry) registerTools() {
	toolList := []Tool{
		NewListAccountsTool(r.manager, r.store),
		NewListFoldersTool(r.manager, r.store),
		NewListEmailsTool(r.manager, r.store),
		NewGetEmailTool(r.manager, r.store, r.logger),
		NewReloadEmailTool(r.manager),
		NewSetReadStateTool(r.manager, r.store),
		NewMoveEmailTool(r.manager, r.store),
		NewMoveFolderTool(r.manager, r.store),
		NewReconfigureAccountTool(r.manager),
	}

	for _, tool := range toolList {
		r.tools[tool.Name()] = tool
		r.logger.WithField("tool", tool.Name()).Debug("Registered tool")
	}

	r.logger.WithField("count", len(r.tools)).Info("Registered tools")
}

// GetTool returns a tool by name
func (r *Registry) GetTool(name string) (Tool, bool) {
	tool, exists := r.tools[name]
	return tool, exists
}

// ListTools returns all registered tools ordered by name
func (r *Registry) ListTools() []Tool {
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// GetToolDefinitions returns tool definitions for tools/list
func (r *Registry) GetToolDefinitions() []map[string]interface{} {
	tools := r.ListTools()
	definitions := make([]map[string]interface{}, 0, len(tools))
	for _, tool := range tools {
		definitions = append(definitions, map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"inputSchema": tool.InputSchema(),
		})
	}
	return definitions
}
