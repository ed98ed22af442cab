package fm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FieldType is the JSON type of a schema field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Field is one named member of a Schema.
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Items       FieldType // element type of arrays
	Fields      []Field   // members of nested objects
}

// Schema is a fixed output shape the model is constrained to.
type Schema struct {
	Name        string
	Description string
	Fields      []Field

	once     sync.Once
	compiled *jsonschema.Schema
	compErr  error
}

// Schema names.
const (
	SchemaUserProfile = "userProfile"
	SchemaProduct     = "product"
	SchemaEvent       = "event"
)

var (
	UserProfileSchema = &Schema{
		Name:        SchemaUserProfile,
		Description: "A user profile",
		Fields: []Field{
			{Name: "name", Type: TypeString, Description: "The user's full name"},
			{Name: "age", Type: TypeInteger, Description: "The user's age in years"},
			{Name: "email", Type: TypeString, Description: "The user's email address"},
			{Name: "interests", Type: TypeArray, Items: TypeString, Description: "List of user's interests and hobbies"},
			{Name: "location", Type: TypeObject, Description: "User's location information", Fields: []Field{
				{Name: "city", Type: TypeString, Description: "The city name"},
				{Name: "country", Type: TypeString, Description: "The country name"},
			}},
		},
	}

	ProductSchema = &Schema{
		Name:        SchemaProduct,
		Description: "A product listing",
		Fields: []Field{
			{Name: "name", Type: TypeString, Description: "The product name"},
			{Name: "price", Type: TypeNumber, Description: "The price in USD"},
			{Name: "category", Type: TypeString, Description: "The product category"},
			{Name: "description", Type: TypeString, Description: "Detailed product description"},
			{Name: "features", Type: TypeArray, Items: TypeString, Description: "List of key product features"},
			{Name: "inStock", Type: TypeBoolean, Description: "Whether the product is currently in stock"},
		},
	}

	EventSchema = &Schema{
		Name:        SchemaEvent,
		Description: "A scheduled event",
		Fields: []Field{
			{Name: "title", Type: TypeString, Description: "The event title"},
			{Name: "date", Type: TypeString, Description: "The event date in YYYY-MM-DD format"},
			{Name: "time", Type: TypeString, Description: "The event time in HH:MM format"},
			{Name: "location", Type: TypeString, Description: "The event location or venue"},
			{Name: "description", Type: TypeString, Description: "Detailed event description"},
			{Name: "capacity", Type: TypeInteger, Description: "Maximum number of attendees"},
			{Name: "ticketPrice", Type: TypeNumber, Description: "Ticket price in USD"},
		},
	}

	schemas = []*Schema{UserProfileSchema, ProductSchema, EventSchema}
)

// SchemaTypes returns the supported schema names.
func SchemaTypes() []string {
	names := make([]string, len(schemas))
	for i, s := range schemas {
		names[i] = s.Name
	}
	return names
}

// LookupSchema returns the schema registered under name.
func LookupSchema(name string) (*Schema, error) {
	if name == "" {
		return nil, ErrMissingSchema
	}
	for _, s := range schemas {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s. Supported types: %s", ErrUnsupportedSchema, name, strings.Join(SchemaTypes(), ", "))
}

// JSONSchema renders s as a JSON Schema document. Every field is required.
func (s *Schema) JSONSchema() map[string]any {
	doc := objectSchema(s.Fields)
	doc["$schema"] = "https://json-schema.org/draft/2020-12/schema"
	doc["title"] = s.Name
	if s.Description != "" {
		doc["description"] = s.Description
	}
	return doc
}

func objectSchema(fields []Field) map[string]any {
	props := make(map[string]any, len(fields))
	required := make([]any, 0, len(fields))
	for _, f := range fields {
		props[f.Name] = fieldSchema(f)
		required = append(required, f.Name)
	}
	return map[string]any{
		"type":                 string(TypeObject),
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func fieldSchema(f Field) map[string]any {
	var out map[string]any
	switch f.Type {
	case TypeObject:
		out = objectSchema(f.Fields)
	case TypeArray:
		out = map[string]any{
			"type":  string(TypeArray),
			"items": map[string]any{"type": string(f.Items)},
		}
	default:
		out = map[string]any{"type": string(f.Type)}
	}
	if f.Description != "" {
		out["description"] = f.Description
	}
	return out
}

// MarshalJSONSchema returns the JSON Schema document as bytes, the form the
// shim consumes.
func (s *Schema) MarshalJSONSchema() ([]byte, error) {
	return json.Marshal(s.JSONSchema())
}

func (s *Schema) compile() (*jsonschema.Schema, error) {
	s.once.Do(func() {
		c := jsonschema.NewCompiler()
		url := s.Name + ".json"
		if err := c.AddResource(url, s.JSONSchema()); err != nil {
			s.compErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		s.compiled, s.compErr = c.Compile(url)
		if s.compErr != nil {
			s.compErr = fmt.Errorf("compile schema: %w", s.compErr)
		}
	})
	return s.compiled, s.compErr
}

// Validate checks a complete record against the schema.
func (s *Schema) Validate(data map[string]any) error {
	sch, err := s.compile()
	if err != nil {
		return err
	}
	// Round-trip through JSON so numbers take the form the validator expects.
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.Name, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("unmarshal %s: %w", s.Name, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%s does not match schema: %w", s.Name, err)
	}
	return nil
}

// Complete reports whether every field of s is present in data, including
// the members of nested objects.
func (s *Schema) Complete(data map[string]any) bool {
	return complete(s.Fields, data)
}

func complete(fields []Field, data map[string]any) bool {
	for _, f := range fields {
		v, ok := data[f.Name]
		if !ok || v == nil {
			return false
		}
		if f.Type == TypeObject {
			nested, ok := v.(map[string]any)
			if !ok || !complete(f.Fields, nested) {
				return false
			}
		}
	}
	return true
}

// Project copies the fields of s that are present in data, dropping
// anything the schema does not name. Nested objects are projected against
// their own members.
func (s *Schema) Project(data map[string]any) map[string]any {
	return project(s.Fields, data)
}

func project(fields []Field, data map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		v, ok := data[f.Name]
		if !ok || v == nil {
			continue
		}
		if f.Type == TypeObject {
			if nested, ok := v.(map[string]any); ok {
				v = project(f.Fields, nested)
			}
		}
		out[f.Name] = v
	}
	return out
}
