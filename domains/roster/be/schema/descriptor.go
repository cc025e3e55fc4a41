package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/edconnect-jp/roster-bridge/platform/go/persistence"
)

//go:embed japan_profile.json
var defaultProfileJSON []byte

//go:embed profile_meta_schema.json
var profileMetaSchemaJSON []byte

// FieldType enumerates the cell types a profile field may declare.
type FieldType string

const (
	TypeBoolean  FieldType = "boolean"
	TypeDate     FieldType = "date"
	TypeDateTime FieldType = "datetime"
	TypeString   FieldType = "string"
)

// Field describes one CSV column of an entity kind.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Descriptor holds the ordered field list for one entity kind.
type Descriptor struct {
	Kind   persistence.Kind
	Fields []Field
}

// MissingColumns returns the required field names absent from the given
// CSV header. A non-empty result rejects the whole file before any row is
// processed.
func (d Descriptor) MissingColumns(columns []string) []string {
	present := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		present[c] = struct{}{}
	}

	var missing []string
	for _, f := range d.Fields {
		if !f.Required {
			continue
		}
		if _, ok := present[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// Profile is the loaded field-schema document covering all three entity
// kinds. It is immutable after load.
type Profile struct {
	descriptors map[persistence.Kind]Descriptor
}

// Descriptor returns the field list for the given kind.
func (p *Profile) Descriptor(kind persistence.Kind) (Descriptor, error) {
	desc, ok := p.descriptors[kind]
	if !ok {
		return Descriptor{}, fmt.Errorf("no descriptor for entity kind %q", kind)
	}
	return desc, nil
}

type profileDocument map[string]struct {
	Fields []Field `json:"fields"`
}

// LoadProfile parses and validates a profile document. The document is
// checked against the embedded meta schema first so a malformed profile
// fails loudly at startup instead of mid-batch.
func LoadProfile(data []byte) (*Profile, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("memory://profile-meta-schema.json", bytes.NewReader(profileMetaSchemaJSON)); err != nil {
		return nil, fmt.Errorf("register profile meta schema: %w", err)
	}
	metaSchema, err := compiler.Compile("memory://profile-meta-schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile profile meta schema: %w", err)
	}

	var document any
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("decode profile document: %w", err)
	}
	if err := metaSchema.Validate(document); err != nil {
		return nil, fmt.Errorf("profile document invalid: %w", err)
	}

	var doc profileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode profile document: %w", err)
	}

	descriptors := make(map[persistence.Kind]Descriptor, len(doc))
	for _, kind := range persistence.Kinds() {
		entry, ok := doc[string(kind)]
		if !ok {
			return nil, fmt.Errorf("profile document missing entity kind %q", kind)
		}
		descriptors[kind] = Descriptor{Kind: kind, Fields: entry.Fields}
	}

	return &Profile{descriptors: descriptors}, nil
}

// LoadProfileFile loads a profile document from disk.
func LoadProfileFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile file %s: %w", path, err)
	}
	return LoadProfile(data)
}

// DefaultProfile loads the embedded OneRoster Japan Profile document.
func DefaultProfile() (*Profile, error) {
	return LoadProfile(defaultProfileJSON)
}
