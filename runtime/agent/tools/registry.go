package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/circuitpilot/agentloop/runtime/agent/cancel"
	"github.com/circuitpilot/agentloop/runtime/agent/model"
	"github.com/circuitpilot/agentloop/runtime/agent/toolerrors"
)

// ErrDuplicateTool is returned when two tools share a name.
var ErrDuplicateTool = errors.New("tools: duplicate tool name")

type (
	// Registry is a lookup table of tools keyed by name. It implements
	// Executor and is safe for concurrent use.
	Registry struct {
		mu    sync.RWMutex
		tools map[string]*entry
		order []string
	}

	entry struct {
		tool   Tool
		spec   Spec
		schema *jsonschema.Schema
	}
)

// NewRegistry returns a registry holding the given tools.
func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*entry)}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t to the registry and compiles its input schema.
func (r *Registry) Register(t Tool) error {
	spec := t.Spec()
	if spec.Name == "" {
		return errors.New("tools: tool name is required")
	}
	var schema *jsonschema.Schema
	if len(spec.InputSchema) > 0 {
		var err error
		schema, err = compileSchema(spec.Name, spec.InputSchema)
		if err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, spec.Name)
	}
	r.tools[spec.Name] = &entry{tool: t, spec: spec, schema: schema}
	r.order = append(r.order, spec.Name)
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Names returns the registered tool names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Schema returns the definitions of all tools in registration order.
func (r *Registry) Schema() []*model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*model.ToolDefinition, 0, len(r.order))
	for _, n := range r.order {
		defs = append(defs, r.tools[n].spec.Definition())
	}
	return defs
}

// Target returns the value of the tool's target parameter, or "" when the
// tool declares none or the parameter is not a string.
func (r *Registry) Target(name string, params map[string]any) string {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok || e.spec.TargetParam == "" {
		return ""
	}
	v, _ := params[e.spec.TargetParam].(string)
	return v
}

// Execute validates params against the tool schema and runs the tool. Unknown
// tools and schema violations are reported as classified ToolErrors.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, token *cancel.Token) (Result, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, toolerrors.Errorf(toolerrors.KindUnknownTool, "unknown tool %q; available tools: %v", name, r.Names())
	}
	if e.schema != nil {
		if err := e.schema.Validate(toJSONValue(params)); err != nil {
			return Result{}, toolerrors.Wrap(toolerrors.KindInvalid, fmt.Sprintf("invalid parameters for %s: %v", name, err), err)
		}
	}
	return e.tool.Execute(ctx, params, token)
}

func compileSchema(name string, doc []byte) (*jsonschema.Schema, error) {
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("tools: unmarshal schema for %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, schemaDoc); err != nil {
		return nil, fmt.Errorf("tools: add schema resource for %s: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema for %s: %w", name, err)
	}
	return schema, nil
}

// toJSONValue returns params as a generic JSON value; a nil map validates as
// an empty object.
func toJSONValue(params map[string]any) any {
	if params == nil {
		return map[string]any{}
	}
	return map[string]any(params)
}
