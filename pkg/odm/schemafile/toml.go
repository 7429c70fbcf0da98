package schemafile

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/jrjohn/harbor-go/pkg/odm"
)

type tomlIndex struct {
	indexSpec
	Keys map[string]any `toml:"keys"`
}

type tomlFile struct {
	Model      string         `toml:"model"`
	Collection string         `toml:"collection"`
	Options    FileOptions    `toml:"options"`
	Fields     map[string]any `toml:"fields"`
	Indexes    []tomlIndex    `toml:"indexes"`
}

func parseTOML(data []byte) (*File, error) {
	var raw tomlFile
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	f := &File{Model: raw.Model, Collection: raw.Collection, Options: raw.Options}
	if raw.Fields != nil {
		f.Fields = odm.DefinitionFromMap(raw.Fields)
	}
	for i, spec := range raw.Indexes {
		var keys bson.D
		for _, e := range odm.DefinitionFromMap(spec.Keys) {
			keys = append(keys, bson.E{Key: e.Key, Value: e.Value})
		}
		idx, err := spec.build(keys)
		if err != nil {
			return nil, fmt.Errorf("indexes[%d]: %w", i, err)
		}
		f.Indexes = append(f.Indexes, idx)
	}
	return f, nil
}
