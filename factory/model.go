/*
Package factory provides YAML/JSON to Go compatibility model conversion.

PURPOSE:
  Converts a compatibility document into a validated *bloodtype.Model so a
  blood bank can tune rarity weights (or restrict donor lists) without a
  code change.

DOCUMENT SCHEMA (YAML shown; JSON with the same keys also parses):
  compatibility:
    A+: [A+, O+, A-, O-]
    O-: [O-]
    ...
  rarity:
    O+: 32
    AB-: 1
    ...

DEFAULTS:
  A missing section falls back to the built-in table as a whole. A present
  section replaces the built-in one and must then cover all eight types.

USAGE:
  f := factory.NewModelFactory()
  model, err := f.LoadFile("model.yaml")
  svc := engine.NewService(store, engine.WithModel(model))

SEE ALSO:
  - bloodtype/model.go: Model type and validation rules
*/
package factory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/warp/bloodbank-engine/bloodtype"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// ModelDocument is the serialised form of a compatibility model.
type ModelDocument struct {
	Compatibility map[string][]string `yaml:"compatibility,omitempty" json:"compatibility,omitempty"`
	Rarity        map[string]int      `yaml:"rarity,omitempty" json:"rarity,omitempty"`
}

// =============================================================================
// MODEL FACTORY
// =============================================================================

// ModelFactory converts documents into models.
type ModelFactory struct{}

// NewModelFactory creates a new model factory.
func NewModelFactory() *ModelFactory {
	return &ModelFactory{}
}

// ParseModel parses a YAML (or JSON, which is valid YAML) document.
func (f *ModelFactory) ParseModel(data []byte) (*bloodtype.Model, error) {
	var doc ModelDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse model document: %w", err)
	}
	return f.FromDocument(doc)
}

// LoadFile reads and parses the model document at path.
func (f *ModelFactory) LoadFile(path string) (*bloodtype.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	return f.ParseModel(data)
}

// FromDocument validates doc and builds a model from it.
func (f *ModelFactory) FromDocument(doc ModelDocument) (*bloodtype.Model, error) {
	donors, rarity := bloodtype.DefaultTables()

	if doc.Compatibility != nil {
		donors = make(map[bloodtype.BloodType][]bloodtype.BloodType, len(doc.Compatibility))
		for recipient, list := range doc.Compatibility {
			r, err := bloodtype.Parse(recipient)
			if err != nil {
				return nil, fmt.Errorf("%w: compatibility key: %v", bloodtype.ErrInvalidModel, err)
			}
			if _, dup := donors[r]; dup {
				return nil, fmt.Errorf("%w: duplicate compatibility key %q for %s", bloodtype.ErrInvalidModel, recipient, r)
			}
			parsed := make([]bloodtype.BloodType, 0, len(list))
			for _, d := range list {
				bt, err := bloodtype.Parse(d)
				if err != nil {
					return nil, fmt.Errorf("%w: donors of %s: %v", bloodtype.ErrInvalidModel, r, err)
				}
				parsed = append(parsed, bt)
			}
			donors[r] = parsed
		}
	}

	if doc.Rarity != nil {
		rarity = make(map[bloodtype.BloodType]int, len(doc.Rarity))
		for key, w := range doc.Rarity {
			bt, err := bloodtype.Parse(key)
			if err != nil {
				return nil, fmt.Errorf("%w: rarity key: %v", bloodtype.ErrInvalidModel, err)
			}
			if _, dup := rarity[bt]; dup {
				return nil, fmt.Errorf("%w: duplicate rarity key %q for %s", bloodtype.ErrInvalidModel, key, bt)
			}
			rarity[bt] = w
		}
	}

	return bloodtype.NewModel(donors, rarity)
}

// ToDocument converts a model back to its serialised form.
func (f *ModelFactory) ToDocument(m *bloodtype.Model) ModelDocument {
	doc := ModelDocument{
		Compatibility: make(map[string][]string),
		Rarity:        make(map[string]int),
	}
	for r, list := range m.Table() {
		names := make([]string, len(list))
		for i, d := range list {
			names[i] = d.String()
		}
		doc.Compatibility[r.String()] = names
	}
	for bt, w := range m.Weights() {
		doc.Rarity[bt.String()] = w
	}
	return doc
}

// Marshal renders m as YAML, types in canonical order.
func (f *ModelFactory) Marshal(m *bloodtype.Model) ([]byte, error) {
	doc := f.ToDocument(m)

	// yaml.v3 sorts map keys alphabetically; build nodes for canonical order.
	order := canonicalOrder()
	compat := &yaml.Node{Kind: yaml.MappingNode}
	rarity := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range order {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for _, d := range doc.Compatibility[key] {
			seq.Content = append(seq.Content, scalar(d))
		}
		compat.Content = append(compat.Content, scalar(key), seq)
		rarity.Content = append(rarity.Content, scalar(key), &yaml.Node{
			Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprint(doc.Rarity[key]),
		})
	}
	root := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		scalar("compatibility"), compat,
		scalar("rarity"), rarity,
	}}

	out, err := yaml.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal model: %w", err)
	}
	return out, nil
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func canonicalOrder() []string {
	all := bloodtype.All()
	out := make([]string, len(all))
	for i, bt := range all {
		out[i] = bt.String()
	}
	return out
}
