package workflow

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtinCatalog []byte

type catalogFile struct {
	Workflows []*WorkflowDefinition `yaml:"workflows"`
}

// Catalog is the static registry of workflow definitions. It is built once at
// startup and is safe for concurrent reads.
type Catalog struct {
	defs map[WorkflowType]*WorkflowDefinition
}

// NewCatalog parses and validates a YAML catalog document.
func NewCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Workflows) == 0 {
		return nil, fmt.Errorf("catalog defines no workflows")
	}
	c := &Catalog{defs: make(map[WorkflowType]*WorkflowDefinition, len(f.Workflows))}
	for _, d := range f.Workflows {
		if err := d.build(); err != nil {
			return nil, err
		}
		if _, dup := c.defs[d.Type]; dup {
			return nil, fmt.Errorf("workflow %q defined twice", d.Type)
		}
		c.defs[d.Type] = d
	}
	return c, nil
}

// DefaultCatalog returns the built-in opd_care and treatment_course definitions.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(builtinCatalog)
	if err != nil {
		panic(fmt.Sprintf("builtin catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog from path, or returns the built-in catalog when
// path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return NewCatalog(data)
}

func (d *WorkflowDefinition) build() error {
	if d.Type == "" {
		return fmt.Errorf("workflow definition without type")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", d.Type)
	}
	d.index = make(map[StepID]int, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow %q: step %d has no id", d.Type, i)
		}
		if _, dup := d.index[s.ID]; dup {
			return fmt.Errorf("workflow %q: duplicate step %q", d.Type, s.ID)
		}
		d.index[s.ID] = i
	}

	d.legal = make(map[StepID]map[StepID]struct{}, len(d.Steps))
	d.required = 0
	terminals := 0
	for _, s := range d.Steps {
		if s.Required {
			d.required++
		}
		if s.Terminal {
			terminals++
			if len(s.Next) > 0 {
				return fmt.Errorf("workflow %q: terminal step %q has next steps", d.Type, s.ID)
			}
		}
		set := make(map[StepID]struct{}, len(s.Next))
		for _, n := range s.Next {
			if _, ok := d.index[n]; !ok {
				return fmt.Errorf("workflow %q: step %q points at unknown step %q", d.Type, s.ID, n)
			}
			set[n] = struct{}{}
		}
		d.legal[s.ID] = set
	}
	if terminals == 0 {
		return fmt.Errorf("workflow %q has no terminal step", d.Type)
	}
	if d.Steps[0].Terminal {
		return fmt.Errorf("workflow %q: initial step %q is terminal", d.Type, d.Steps[0].ID)
	}
	return nil
}

// GetDefinition returns the definition for a workflow type.
func (c *Catalog) GetDefinition(t WorkflowType) (*WorkflowDefinition, error) {
	d, ok := c.defs[t]
	if !ok {
		return nil, &NotFoundError{Kind: "workflow definition", ID: string(t)}
	}
	return d, nil
}

// IsLegalTransition reports whether to is in the legal next set of from.
// Unknown types and steps are never legal.
func (c *Catalog) IsLegalTransition(t WorkflowType, from, to StepID) bool {
	d, ok := c.defs[t]
	if !ok {
		return false
	}
	_, ok = d.legal[from][to]
	return ok
}

// LegalNext returns the steps reachable from the given step, in catalog order.
func (c *Catalog) LegalNext(t WorkflowType, from StepID) []StepID {
	d, ok := c.defs[t]
	if !ok {
		return nil
	}
	s, ok := d.Step(from)
	if !ok {
		return nil
	}
	out := make([]StepID, len(s.Next))
	copy(out, s.Next)
	return out
}

// Definitions returns every definition sorted by type.
func (c *Catalog) Definitions() []*WorkflowDefinition {
	out := make([]*WorkflowDefinition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
