package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/ChrisMoss87/crmflow/pkg/models"
	"github.com/ChrisMoss87/crmflow/pkg/storage"
)

// Templates instantiates workflow templates: {{variable}} placeholders in
// the template payload are substituted with caller-supplied values, then the
// result is decoded into a regular workflow-with-steps payload.
type Templates struct {
	store  storage.Store
	logger Logger
}

func NewTemplates(store storage.Store, logger Logger) *Templates {
	return &Templates{store: store, logger: logger}
}

func (t *Templates) List(category string) ([]models.WorkflowTemplate, error) {
	return t.store.ListTemplates(category)
}

func (t *Templates) Get(slug string) (models.WorkflowTemplate, error) {
	return t.store.GetTemplate(slug)
}

// Instantiate builds a workflow definition from a template. Missing
// variables with no default in the mappings are an error; extra variables
// are ignored. The returned workflow has not been persisted.
func (t *Templates) Instantiate(slug string, moduleID *int64, variables map[string]any) (models.Workflow, error) {
	tpl, err := t.store.GetTemplate(slug)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "template %q", slug)
	}

	merged, err := mergeVariables(tpl.VariableMappings, variables)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "template %q", slug)
	}

	raw, err := json.Marshal(tpl.WorkflowData)
	if err != nil {
		return models.Workflow{}, errors.Wrap(err, "encode template payload")
	}
	substituted := substituteVariables(string(raw), merged)

	var wf models.Workflow
	if err := json.Unmarshal([]byte(substituted), &wf); err != nil {
		return models.Workflow{}, errors.Wrapf(err, "template %q payload after substitution", slug)
	}
	wf.ID = 0
	wf.ModuleID = moduleID
	if wf.Name == "" {
		wf.Name = tpl.Name
	}
	for i := range wf.Steps {
		wf.Steps[i].ID = int64(i + 1) // placeholder ids for goto refs inside the template
		wf.Steps[i].WorkflowID = 0
	}
	return wf, nil
}

// mergeVariables overlays supplied values onto the template's variable
// mappings. Each mapping entry may carry a default; entries marked required
// must be supplied.
func mergeVariables(mappings models.JSONMap, supplied map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(mappings))
	var missing []string
	for name, raw := range mappings {
		rules, _ := raw.(map[string]any)
		if v, ok := supplied[name]; ok {
			merged[name] = v
			continue
		}
		if rules != nil {
			if def, ok := rules["default"]; ok {
				merged[name] = def
				continue
			}
			if req, _ := rules["required"].(bool); req {
				missing = append(missing, name)
				continue
			}
		}
		merged[name] = ""
	}
	if len(missing) > 0 {
		return nil, errors.Errorf("missing required variables: %s", strings.Join(missing, ", "))
	}
	return merged, nil
}

// substituteVariables replaces {{name}} tokens inside a JSON document.
// Values are JSON-encoded and spliced in: a token that stands alone inside
// quotes takes the value's native type, otherwise the string form is used.
func substituteVariables(doc string, variables map[string]any) string {
	for name, value := range variables {
		token := "{{" + name + "}}"
		quoted := `"` + token + `"`
		if strings.Contains(doc, quoted) {
			enc, err := json.Marshal(value)
			if err != nil {
				enc = []byte(`""`)
			}
			doc = strings.ReplaceAll(doc, quoted, string(enc))
		}
		doc = strings.ReplaceAll(doc, token, jsonSafeString(value))
	}
	return doc
}

// jsonSafeString renders a value for splicing inside an existing JSON
// string literal.
func jsonSafeString(v any) string {
	s := fmt.Sprint(v)
	enc, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return strings.Trim(string(enc), `"`)
}
