package engine

import "sort"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema is a JSON Schema fragment describing structured output. It nests:
// object properties and array items are themselves schemas.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// Object builds an object schema requiring every listed property.
func Object(props map[string]*Schema) *Schema {
	s := &Schema{Type: "object", Properties: props}
	for name := range props {
		s.Required = append(s.Required, name)
	}
	sort.Strings(s.Required)
	return s
}

// ArrayOf builds an array schema with the given item schema.
func ArrayOf(items *Schema) *Schema {
	return &Schema{Type: "array", Items: items}
}

// Prim builds a primitive schema ("string", "number", "boolean").
func Prim(typ, description string) *Schema {
	return &Schema{Type: typ, Description: description}
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
