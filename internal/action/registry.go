// Package action is the catalog of callable actions the reasoning model may
// invoke, with parameter validation.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/chadiek/voice-agent/internal/dispatch"
)

type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
)

// Param declares one parameter of an action.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
}

// Handler shapes validated arguments into a dispatch payload.
type Handler func(args map[string]string) (dispatch.Payload, error)

// Definition describes one action. Params keep their declared order.
type Definition struct {
	Name        string
	Description string
	Params      []Param
	Handler     Handler
}

// Invocation is an action call produced by the reasoning model.
type Invocation struct {
	Name string
	Args map[string]any
}

// Bound is a resolved invocation ready to execute.
type Bound struct {
	Definition Definition
	Args       map[string]string
}

// Payload runs the handler over the bound arguments.
func (b *Bound) Payload() (dispatch.Payload, error) {
	return b.Definition.Handler(b.Args)
}

// Registry is written during startup and read concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// NewDefaultRegistry returns a registry with the shipped task actions.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, d := range []Definition{AgentTask(), HumanTask()} {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a definition. Names must be unique.
func (r *Registry) Register(d Definition) error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("action: definition has no name")
	}
	if d.Handler == nil {
		return fmt.Errorf("action %q: nil handler", d.Name)
	}
	params := append([]Param(nil), d.Params...)
	seen := make(map[string]struct{}, len(params))
	for i := range params {
		p := &params[i]
		if p.Name == "" {
			return fmt.Errorf("action %q: parameter %d has no name", d.Name, i)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("action %q: duplicate parameter %q", d.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Type == "" {
			p.Type = TypeString
		}
	}
	d.Params = params

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[d.Name]; exists {
		return fmt.Errorf("action %q already registered", d.Name)
	}
	r.defs[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Resolve validates an invocation against its definition.
func (r *Registry) Resolve(inv Invocation) (*Bound, error) {
	r.mu.RLock()
	d, ok := r.defs[inv.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownActionError{Name: inv.Name}
	}

	// Missing parameters are reported ahead of type errors.
	for _, p := range d.Params {
		if p.Required && isBlank(inv.Args[p.Name]) {
			return nil, &MissingParameterError{Action: d.Name, Param: p.Name}
		}
	}

	args := make(map[string]string, len(d.Params))
	for _, p := range d.Params {
		raw := inv.Args[p.Name]
		if isBlank(raw) {
			continue
		}
		v, err := coerce(p.Type, raw)
		if err != nil {
			return nil, &InvalidParameterError{Action: d.Name, Param: p.Name, Want: p.Type, Got: raw}
		}
		if strings.TrimSpace(v) == "" {
			if p.Required {
				return nil, &MissingParameterError{Action: d.Name, Param: p.Name}
			}
			continue
		}
		args[p.Name] = v
	}
	return &Bound{Definition: d, Args: args}, nil
}

// Definitions returns all definitions in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}

// Schema renders the parameter list as a JSON schema object.
func (d Definition) Schema() *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(d.Params)),
	}
	for _, p := range d.Params {
		s.Properties[p.Name] = &jsonschema.Schema{Type: string(p.Type), Description: p.Description}
		if p.Required {
			s.Required = append(s.Required, p.Name)
		}
	}
	return s
}

// SchemaMap is Schema flattened to a generic map, the form tool APIs expect.
func (d Definition) SchemaMap() (map[string]any, error) {
	b, err := json.Marshal(d.Schema())
	if err != nil {
		return nil, fmt.Errorf("action %q: marshal schema: %w", d.Name, err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("action %q: unmarshal schema: %w", d.Name, err)
	}
	return m, nil
}

// isBlank reports an absent value: nil or a whitespace-only string.
func isBlank(raw any) bool {
	switch v := raw.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	}
	return false
}

func coerce(t ParamType, raw any) (string, error) {
	switch t {
	case TypeNumber:
		switch v := raw.(type) {
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(v), nil
		case json.Number:
			return v.String(), nil
		case string:
			if strings.TrimSpace(v) == "" {
				return "", nil
			}
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return "", err
			}
			return v, nil
		}
	case TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return strconv.FormatBool(v), nil
		case string:
			if strings.TrimSpace(v) == "" {
				return "", nil
			}
			b, err := strconv.ParseBool(v)
			if err != nil {
				return "", err
			}
			return strconv.FormatBool(b), nil
		}
	default:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("unexpected %T", raw)
}
