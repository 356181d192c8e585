package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

const (
	msgMissingValue = "Missing value"
	msgRatingRange  = "Value must be an integer between 0 and 5"
	msgInvalidValue = "Invalid value"
)

var ratingFields = []string{"openness_rating", "quality", "standard_rating"}

var longTextFields = []string{
	"title", "maintainer", "maintainer_email", "published_on_behalf_of",
	"usage_guidance", "category", "theme", "standard_name", "standard_version",
}

type schemaSpec struct {
	required  []string
	maxLength map[string]int
	ratings   []string
}

var schemaSpecs = map[EntityType]schemaSpec{
	EntityDataset: {
		required: []string{
			"name", "title", "notes", "maintainer", "maintainer_email",
			"license_id", "openness_rating", "quality",
		},
		maxLength: lengthLimits(longTextFields, 255, map[string]int{"notes": 4000}),
		ratings:   ratingFields,
	},
	EntityFile: {
		required:  []string{"name", "description", "format"},
		maxLength: lengthLimits([]string{"name", "standard_name", "standard_version"}, 255, nil),
		ratings:   ratingFields,
	},
	EntityOrganization: {
		required:  []string{"name", "title"},
		maxLength: lengthLimits([]string{"title"}, 255, nil),
	},
	EntityUser: {
		required:  []string{"name", "email"},
		maxLength: lengthLimits([]string{"name", "email", "fullname"}, 255, nil),
	},
}

func lengthLimits(fields []string, limit int, extra map[string]int) map[string]int {
	out := make(map[string]int, len(fields)+len(extra))
	for _, field := range fields {
		out[field] = limit
	}
	for field, n := range extra {
		out[field] = n
	}
	return out
}

var (
	schemasOnce sync.Once
	schemas     map[EntityType]*jsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[EntityType]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		out := make(map[EntityType]*jsonschema.Schema, len(schemaSpecs))
		for entityType, spec := range schemaSpecs {
			url := "platformbridge://schemas/" + string(entityType) + ".json"
			doc, err := buildSchemaDocument(spec)
			if err != nil {
				schemasErr = err
				return
			}
			if err := compiler.AddResource(url, doc); err != nil {
				schemasErr = err
				return
			}
			schema, err := compiler.Compile(url)
			if err != nil {
				schemasErr = err
				return
			}
			out[entityType] = schema
		}
		schemas = out
	})
	return schemas, schemasErr
}

func buildSchemaDocument(spec schemaSpec) (any, error) {
	properties := map[string]any{}
	for _, field := range spec.required {
		properties[field] = map[string]any{}
	}
	for field, limit := range spec.maxLength {
		properties[field] = map[string]any{"type": "string", "maxLength": limit}
	}
	for _, field := range spec.ratings {
		properties[field] = map[string]any{"type": "integer", "minimum": 0, "maximum": 5}
	}
	for _, field := range spec.required {
		prop := properties[field].(map[string]any)
		if _, isRating := prop["minimum"]; !isRating {
			prop["type"] = "string"
			prop["minLength"] = 1
		}
	}
	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"required":   spec.required,
		"properties": properties,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// Validate checks data against the rules for entityType and returns every
// violation at once as a *ValidationError.
func Validate(entityType EntityType, data map[string]any) error {
	compiled, err := compiledSchemas()
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}
	schema, ok := compiled[entityType]
	if !ok {
		return nil
	}
	instance, err := validationInstance(data, schemaSpecs[entityType].ratings)
	if err != nil {
		return err
	}
	err = schema.Validate(instance)
	if err == nil {
		return nil
	}
	var schemaErr *jsonschema.ValidationError
	if !errors.As(err, &schemaErr) {
		return err
	}
	result := NewValidationError()
	collectViolations(schemaErr, result)
	return result.OrNil()
}

// validateRequiring is Validate plus a missing-value error for each blank
// field in fields. Every violation comes back in one *ValidationError.
func validateRequiring(entityType EntityType, data map[string]any, fields ...string) error {
	result := NewValidationError()
	if err := Validate(entityType, data); err != nil {
		if !errors.As(err, &result) {
			return err
		}
	}
	for _, field := range fields {
		if Record(data).String(field) == "" {
			result.Add(field, msgMissingValue)
		}
	}
	return result.OrNil()
}

// validationInstance normalizes data into the shape the validator reads.
// Numeric strings in rating fields count as numbers, and blank optional
// values count as absent.
func validationInstance(data map[string]any, ratings []string) (any, error) {
	normalized := make(map[string]any, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		normalized[k] = v
	}
	for _, field := range ratings {
		raw, ok := normalized[field].(string)
		if !ok {
			continue
		}
		if n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			normalized[field] = n
		}
	}
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
}

func collectViolations(err *jsonschema.ValidationError, result *ValidationError) {
	if len(err.Causes) > 0 {
		for _, cause := range err.Causes {
			collectViolations(cause, result)
		}
		return
	}
	field := ""
	if len(err.InstanceLocation) > 0 {
		field = err.InstanceLocation[0]
	}
	switch k := err.ErrorKind.(type) {
	case *kind.Required:
		for _, missing := range k.Missing {
			result.Add(missing, msgMissingValue)
		}
	case *kind.MinLength:
		result.Add(field, msgMissingValue)
	case *kind.MaxLength:
		result.Add(field, fmt.Sprintf("Length must be less than %d characters", k.Want))
	case *kind.Minimum, *kind.Maximum:
		result.Add(field, msgRatingRange)
	case *kind.Type:
		if isRatingField(field) {
			result.Add(field, msgRatingRange)
		} else {
			result.Add(field, msgInvalidValue)
		}
	default:
		if field == "" {
			field = "message"
		}
		result.Add(field, msgInvalidValue)
	}
}

func isRatingField(field string) bool {
	for _, rating := range ratingFields {
		if rating == field {
			return true
		}
	}
	return false
}
