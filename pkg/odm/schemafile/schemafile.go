// Package schemafile loads schema definitions from YAML, JSON and TOML files.
//
// A file names the model, optionally its collection, the schema options,
// the fields and extra indexes:
//
//	model: User
//	collection: users
//	options:
//	  timestamps: true
//	fields:
//	  email: {type: String, required: true, unique: true}
//	  tags: [String]
//	indexes:
//	  - fields: "email -createdAt"
//	    unique: true
//
// YAML and JSON keep field declaration order. TOML tables do not carry order,
// so TOML fields are declared in key order; use the "fields" string form of
// an index when key order matters there.
package schemafile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/jrjohn/harbor-go/pkg/odm"
)

// ErrUnsupportedFormat is returned for files whose extension is not .yaml,
// .yml, .json or .toml.
var ErrUnsupportedFormat = errors.New("schemafile: unsupported format")

// Format identifies the encoding of a schema file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// FormatOf maps a file extension onto a Format.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// FileOptions mirrors odm.Options; unset values keep the schema defaults.
type FileOptions struct {
	Timestamps bool    `yaml:"timestamps" toml:"timestamps"`
	CreatedAt  *string `yaml:"createdAt" toml:"created_at"`
	UpdatedAt  *string `yaml:"updatedAt" toml:"updated_at"`
	VersionKey *string `yaml:"versionKey" toml:"version_key"`
	Strict     *bool   `yaml:"strict" toml:"strict"`
	ID         *bool   `yaml:"id" toml:"id"`
	IDVirtual  *bool   `yaml:"idVirtual" toml:"id_virtual"`
	AutoIndex  *bool   `yaml:"autoIndex" toml:"auto_index"`
}

// Index is an index declared in a schema file.
type Index struct {
	Keys    bson.D
	Options odm.IndexOptions
}

// File is a decoded schema file.
type File struct {
	Path       string
	Model      string
	Collection string
	Options    FileOptions
	Fields     odm.Definition
	Indexes    []Index
}

// indexSpec is the encoded form shared by every format. Keys is decoded
// per format since only YAML keeps its order.
type indexSpec struct {
	Fields             string         `yaml:"fields" toml:"fields"`
	Name               string         `yaml:"name" toml:"name"`
	Unique             bool           `yaml:"unique" toml:"unique"`
	Sparse             bool           `yaml:"sparse" toml:"sparse"`
	ExpireAfterSeconds int64          `yaml:"expireAfterSeconds" toml:"expire_after_seconds"`
	PartialFilter      map[string]any `yaml:"partialFilter" toml:"partial_filter"`
}

func (s indexSpec) build(keys bson.D) (Index, error) {
	if s.Fields != "" {
		if len(keys) > 0 {
			return Index{}, errors.New("index sets both keys and fields")
		}
		keys = parseKeyList(s.Fields)
	}
	if len(keys) == 0 {
		return Index{}, errors.New("index has no keys")
	}
	idx := Index{
		Keys: keys,
		Options: odm.IndexOptions{
			Name:   s.Name,
			Unique: s.Unique,
			Sparse: s.Sparse,
		},
	}
	if s.ExpireAfterSeconds > 0 {
		idx.Options.ExpireAfter = time.Duration(s.ExpireAfterSeconds) * time.Second
	}
	if len(s.PartialFilter) > 0 {
		idx.Options.PartialFilter = bson.M(s.PartialFilter)
	}
	return idx, nil
}

// parseKeyList reads "a -b +c" into ascending and descending keys.
func parseKeyList(list string) bson.D {
	var keys bson.D
	for _, token := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' || unicode.IsSpace(r) }) {
		switch {
		case strings.HasPrefix(token, "-"):
			keys = append(keys, bson.E{Key: token[1:], Value: -1})
		case strings.HasPrefix(token, "+"):
			keys = append(keys, bson.E{Key: token[1:], Value: 1})
		default:
			keys = append(keys, bson.E{Key: token, Value: 1})
		}
	}
	return keys
}

// Parse decodes data in the given format. path is used for error messages
// and to derive the model name when the file does not set one.
func Parse(data []byte, format Format, path string) (*File, error) {
	var (
		f   *File
		err error
	)
	switch format {
	case FormatYAML, FormatJSON:
		f, err = parseYAML(data)
	case FormatTOML:
		f, err = parseTOML(data)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("schemafile: %s: %w", path, err)
	}
	f.Path = path
	if f.Model == "" {
		f.Model = modelName(path)
	}
	if f.Model == "" {
		return nil, fmt.Errorf("schemafile: %s: model name is required", path)
	}
	return f, nil
}

// modelName derives "User" from "schemas/user.yaml".
func modelName(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if base == "" || base == "." {
		return ""
	}
	r, size := utf8.DecodeRuneInString(base)
	return string(unicode.ToUpper(r)) + base[size:]
}

// Load reads and decodes one schema file.
func Load(path string) (*File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schemafile: read %s: %w", path, err)
	}
	return Parse(data, format, path)
}

// LoadDir loads every supported file in dir, sorted by name. Other files
// and subdirectories are skipped.
func LoadDir(dir string) ([]*File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("schemafile: read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := FormatOf(e.Name()); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	files := make([]*File, 0, len(names))
	for _, name := range names {
		f, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// SchemaOptions converts the file options.
func (f *File) SchemaOptions() []odm.SchemaOption {
	o := f.Options
	var opts []odm.SchemaOption
	if o.Timestamps {
		created, updated := "createdAt", "updatedAt"
		if o.CreatedAt != nil {
			created = *o.CreatedAt
		}
		if o.UpdatedAt != nil {
			updated = *o.UpdatedAt
		}
		opts = append(opts, odm.WithTimestampFields(created, updated))
	}
	if o.VersionKey != nil {
		opts = append(opts, odm.WithVersionKey(*o.VersionKey))
	}
	if o.Strict != nil {
		opts = append(opts, odm.WithStrict(*o.Strict))
	}
	if o.ID != nil && !*o.ID {
		opts = append(opts, odm.WithoutID())
	}
	if o.IDVirtual != nil && !*o.IDVirtual {
		opts = append(opts, odm.WithoutIDVirtual())
	}
	if o.AutoIndex != nil {
		opts = append(opts, odm.WithAutoIndex(*o.AutoIndex))
	}
	if f.Collection != "" {
		opts = append(opts, odm.WithCollection(f.Collection))
	}
	return opts
}

// Schema compiles the file into a Schema.
func (f *File) Schema() (*odm.Schema, error) {
	s, err := odm.ParseSchema(f.Fields, f.SchemaOptions()...)
	if err != nil {
		return nil, fmt.Errorf("schemafile: %s: %w", f.Path, err)
	}
	for _, idx := range f.Indexes {
		s.Index(idx.Keys, idx.Options)
	}
	return s, nil
}

// Register compiles the file and registers its model.
func (f *File) Register(reg *odm.Registry) (*odm.Model, error) {
	s, err := f.Schema()
	if err != nil {
		return nil, err
	}
	return reg.Register(f.Model, s)
}

// RegisterDir loads dir and registers every model in it.
func RegisterDir(reg *odm.Registry, dir string) ([]*odm.Model, error) {
	files, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]*odm.Model, 0, len(files))
	for _, f := range files {
		m, err := f.Register(reg)
		if err != nil {
			return models, err
		}
		models = append(models, m)
	}
	return models, nil
}
