package capability

import (
	"fmt"
	"regexp"

	"github.com/agentlens/mesh/pkg/errors"
)

var customTypePattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

var knownTaskTypes = map[TaskType]struct{}{
	TaskTranslation:    {},
	TaskSummarization:  {},
	TaskClassification: {},
	TaskExtraction:     {},
	TaskGeneration:     {},
	TaskReview:         {},
	TaskCustom:         {},
}

// schemaMarkers are the keys that make a JSON-Schema-shaped object
// minimally plausible.
var schemaMarkers = []string{"type", "$ref", "oneOf", "anyOf", "allOf", "properties", "enum"}

// Validate checks the capability's task type, custom type, schemas and
// scope. It runs before any write, on create and on the merged record
// during update.
func Validate(c *Capability) error {
	if c == nil {
		return errors.New(errors.CodeValidation, "capability is required", nil)
	}
	if c.TenantID == "" || c.AgentID == "" {
		return errors.New(errors.CodeValidation, "tenant id and agent id are required", nil)
	}
	if _, ok := knownTaskTypes[c.TaskType]; !ok {
		return errors.New(errors.CodeValidation, fmt.Sprintf("invalid task type %q", c.TaskType), nil)
	}
	if c.TaskType == TaskCustom {
		if c.CustomType == "" {
			return errors.New(errors.CodeValidation, "custom type is required for custom task type", nil)
		}
		if !customTypePattern.MatchString(c.CustomType) {
			return errors.New(errors.CodeValidation, fmt.Sprintf("invalid custom type %q", c.CustomType), nil)
		}
	} else if c.CustomType != "" {
		return errors.New(errors.CodeValidation, "custom type is only allowed for custom task type", nil)
	}
	if err := validateSchema("input schema", c.InputSchema); err != nil {
		return err
	}
	if err := validateSchema("output schema", c.OutputSchema); err != nil {
		return err
	}
	if c.Scope != ScopeInternal && c.Scope != ScopePublic {
		return errors.New(errors.CodeValidation, fmt.Sprintf("invalid scope %q", c.Scope), nil)
	}
	if c.InboundRateLimit < 0 || c.OutboundRateLimit < 0 {
		return errors.New(errors.CodeValidation, "rate limits must not be negative", nil)
	}
	return nil
}

// validateSchema performs the minimal JSON-Schema shape check: a nil
// schema is allowed (optional), a present one must be an object carrying
// at least one recognized schema marker.
func validateSchema(field string, schema map[string]any) error {
	if schema == nil {
		return nil
	}
	for _, marker := range schemaMarkers {
		if _, ok := schema[marker]; ok {
			return nil
		}
	}
	return errors.New(errors.CodeValidation, fmt.Sprintf("%s is not a valid JSON schema object", field), nil)
}
