package schemafile

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"gopkg.in/yaml.v3"

	"github.com/jrjohn/harbor-go/pkg/odm"
)

type yamlIndex struct {
	indexSpec `yaml:",inline"`
	Keys      yaml.Node `yaml:"keys"`
}

type yamlFile struct {
	Model      string      `yaml:"model"`
	Collection string      `yaml:"collection"`
	Options    FileOptions `yaml:"options"`
	Fields     yaml.Node   `yaml:"fields"`
	Indexes    []yamlIndex `yaml:"indexes"`
}

// parseYAML also reads JSON, which YAML 1.2 accepts as flow syntax.
func parseYAML(data []byte) (*File, error) {
	var raw yamlFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	f := &File{Model: raw.Model, Collection: raw.Collection, Options: raw.Options}

	if raw.Fields.Kind != 0 {
		v, err := nodeValue(&raw.Fields)
		if err != nil {
			return nil, fmt.Errorf("fields: %w", err)
		}
		def, ok := v.(odm.Definition)
		if !ok {
			return nil, fmt.Errorf("fields: line %d: expected a mapping", raw.Fields.Line)
		}
		f.Fields = def
	}

	for i, spec := range raw.Indexes {
		var keys bson.D
		if spec.Keys.Kind != 0 {
			v, err := nodeValue(&spec.Keys)
			if err != nil {
				return nil, fmt.Errorf("indexes[%d]: %w", i, err)
			}
			def, ok := v.(odm.Definition)
			if !ok {
				return nil, fmt.Errorf("indexes[%d]: keys must be a mapping", i)
			}
			for _, e := range def {
				keys = append(keys, bson.E{Key: e.Key, Value: e.Value})
			}
		}
		idx, err := spec.build(keys)
		if err != nil {
			return nil, fmt.Errorf("indexes[%d]: %w", i, err)
		}
		f.Indexes = append(f.Indexes, idx)
	}
	return f, nil
}

// nodeValue converts mappings into ordered Definitions, sequences into
// []any and scalars into their resolved Go value.
func nodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return nodeValue(n.Content[0])
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.MappingNode:
		def := make(odm.Definition, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i]
			if key.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping keys must be scalars", key.Line)
			}
			v, err := nodeValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			def = append(def, odm.Entry{Key: key.Value, Value: v})
		}
		return def, nil
	case yaml.SequenceNode:
		out := make([]any, len(n.Content))
		for i, c := range n.Content {
			v, err := nodeValue(c)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return v, nil
	}
	return nil, errors.New("unsupported yaml node")
}
