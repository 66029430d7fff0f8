package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kestrel-ai/kestrel/internal/provider"
)

// Tool parameter limits.
const (
	maxToolNameLength = 256
	maxToolParamsSize = 10 << 20
)

type registration struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the registered tools with their compiled argument
// schemas. Registration compiles the schema once; dispatch validates
// arguments against it before the tool runs.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]registration),
	}
}

// Register adds a tool, compiling its schema. A tool with the same
// name replaces the previous registration.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" || len(name) > maxToolNameLength {
		return fmt.Errorf("invalid tool name %q", name)
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = registration{tool: tool, schema: compiled}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg.tool, ok
}

// Specs returns the registered tools as provider tool specs, sorted by
// name for stable request shapes.
func (r *Registry) Specs() []provider.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]provider.ToolSpec, 0, len(r.tools))
	for _, reg := range r.tools {
		specs = append(specs, provider.ToolSpec{
			Name:        reg.tool.Name(),
			Description: reg.tool.Description(),
			Schema:      reg.tool.Schema(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute validates arguments against the tool's schema and dispatches.
// Unknown names return *UnknownToolError; validation failures return an
// error result (not a Go error) so the model can correct itself.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	if len(args) > maxToolParamsSize {
		return Errorf("tool arguments exceed maximum size of %d bytes", maxToolParamsSize), nil
	}

	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}

	var decoded any
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, &decoded); err != nil {
		return Errorf("tool %s: arguments are not valid JSON: %v", name, err), nil
	}
	if err := reg.schema.Validate(decoded); err != nil {
		return Errorf("tool %s: invalid arguments: %v", name, err), nil
	}

	return reg.tool.Execute(ctx, args)
}
