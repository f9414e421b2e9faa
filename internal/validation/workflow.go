// Package validation checks workflow definitions before they are published
// to a catalog or executed.
package validation

import "github.com/rendis/opflow/pkg/schema"

// Validator runs the validation pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (ids, references, step contents)
//  3. Graph (End reachability, edge ambiguity)
//
// ValidateCatalog adds the cross-definition nested cycle check.
type Validator struct {
	structural *StructuralValidator
}

func New() (*Validator, error) {
	sv, err := NewStructuralValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{structural: sv}, nil
}

// Validate runs every stage and returns the aggregated result.
// Structural errors short-circuit the later stages.
func (v *Validator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := v.structural.Validate(def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def))

	// Graph analysis needs resolved references.
	if result.Valid() {
		result.Merge(validateGraph(def, ""))
	}
	return result
}

// ValidateDefinition returns the result as a FlowError, or nil when valid.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return v.Validate(def).ToError()
}

// ValidateCatalog validates each definition and then the nested references
// between them. Issue paths are prefixed with the workflow id.
func (v *Validator) ValidateCatalog(defs []*schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for _, def := range defs {
		r := v.Validate(def)
		id := "?"
		if def != nil {
			id = def.ID
		}
		for _, issue := range r.Errors {
			result.AddError(id+":"+issue.Path, issue.Code, issue.Message)
		}
		for _, issue := range r.Warnings {
			result.AddWarning(id+":"+issue.Path, issue.Code, issue.Message)
		}
	}
	result.Merge(validateNestedReferences(defs))
	return result
}
