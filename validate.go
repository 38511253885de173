package flowlite

import (
	"errors"
	"fmt"
)

// validateWorkflowDefinition runs the structural checks shared by the
// registry and providers: non-empty id/name/steps, unique step ids.
func validateWorkflowDefinition(def *WorkflowDefinition) error {
	if def == nil {
		return errors.Join(ErrInvalidDefinition, fmt.Errorf("definition is nil"))
	}
	if def.ID == "" {
		return errors.Join(ErrInvalidDefinition, fmt.Errorf("definition id is empty"))
	}
	if def.Name == "" {
		return errors.Join(ErrInvalidDefinition, fmt.Errorf("definition %s has no name", def.ID))
	}
	if len(def.Steps) == 0 {
		return errors.Join(ErrInvalidDefinition, fmt.Errorf("definition %s has no steps", def.ID))
	}
	seen := make(map[string]struct{}, len(def.Steps))
	for i, step := range def.Steps {
		if step.ID == "" {
			return errors.Join(ErrInvalidDefinition, fmt.Errorf("definition %s step %d has no id", def.ID, i))
		}
		if _, ok := seen[step.ID]; ok {
			return errors.Join(ErrInvalidDefinition, fmt.Errorf("definition %s has duplicate step id %s", def.ID, step.ID))
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}

func validateSagaDefinition(def *SagaDefinition) error {
	if def == nil {
		return errors.Join(ErrInvalidSagaDefinition, fmt.Errorf("definition is nil"))
	}
	if def.ID == "" {
		return errors.Join(ErrInvalidSagaDefinition, fmt.Errorf("saga id is empty"))
	}
	if def.Name == "" {
		return errors.Join(ErrInvalidSagaDefinition, fmt.Errorf("saga %s has no name", def.ID))
	}
	if len(def.Steps) == 0 {
		return errors.Join(ErrInvalidSagaDefinition, fmt.Errorf("saga %s has no steps", def.ID))
	}
	seen := make(map[string]struct{}, len(def.Steps))
	for i, step := range def.Steps {
		if step == nil {
			return errors.Join(ErrInvalidSagaDefinition, fmt.Errorf("saga %s step %d is nil", def.ID, i))
		}
		if step.ID == "" {
			return errors.Join(ErrInvalidSagaDefinition, fmt.Errorf("saga %s step %d has no id", def.ID, i))
		}
		if step.Action == nil {
			return errors.Join(ErrInvalidSagaDefinition, fmt.Errorf("saga %s step %s has no action", def.ID, step.ID))
		}
		if _, ok := seen[step.ID]; ok {
			return errors.Join(ErrInvalidSagaDefinition, fmt.Errorf("saga %s has duplicate step id %s", def.ID, step.ID))
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}
