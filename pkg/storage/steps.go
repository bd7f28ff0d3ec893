package storage

import "github.com/ChrisMoss87/crmflow/pkg/models"

// RemapStepGotos rewrites on_success_goto / on_failure_goto references after
// steps have been re-inserted with new ids. idMap maps the ids the references
// were written against to the newly assigned ones. References to ids outside
// the map are dropped rather than left dangling.
func RemapStepGotos(steps []models.WorkflowStep, idMap map[int64]int64) {
	remap := func(ref *int64) *int64 {
		if ref == nil {
			return nil
		}
		if mapped, ok := idMap[*ref]; ok {
			return &mapped
		}
		return nil
	}
	for i := range steps {
		steps[i].OnSuccessGoto = remap(steps[i].OnSuccessGoto)
		steps[i].OnFailureGoto = remap(steps[i].OnFailureGoto)
	}
}
