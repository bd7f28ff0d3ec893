package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChrisMoss87/crmflow/pkg/engine"
	"github.com/ChrisMoss87/crmflow/pkg/models"
	"github.com/ChrisMoss87/crmflow/pkg/storage"
)

func welcomeTemplate() models.WorkflowTemplate {
	return models.WorkflowTemplate{
		Slug:     "welcome-email",
		Name:     "Welcome email",
		Category: "onboarding",
		VariableMappings: models.JSONMap{
			"sender":        map[string]any{"required": true},
			"delay_seconds": map[string]any{"default": float64(3600)},
			"note":          map[string]any{},
		},
		WorkflowData: models.JSONMap{
			"name":          "Welcome {{note}}",
			"trigger_type":  "record_created",
			"delay_seconds": "{{delay_seconds}}",
			"steps": []any{
				map[string]any{
					"name":        "send welcome",
					"order":       float64(10),
					"action_type": "send_email",
					"action_config": map[string]any{
						"to":      "{{sender}}",
						"subject": "Welcome!",
						"body":    "Hello from {{sender}}",
					},
				},
			},
		},
	}
}

func templateStore(t *testing.T) *storage.MockStore {
	t.Helper()
	store := storage.NewMockStore()
	_, err := store.SaveTemplate(welcomeTemplate())
	assert.NoError(t, err)
	return store
}

func TestTemplates_Instantiate(t *testing.T) {
	store := templateStore(t)
	templates := engine.NewTemplates(store, logger{})

	wf, err := templates.Instantiate("welcome-email", int64Ptr(3), map[string]any{
		"sender": "sales@example.com",
		"note":   "(trial)",
	})
	assert.NoError(t, err)

	t.Run("scalars keep native types", func(t *testing.T) {
		assert.Equal(t, 3600, wf.DelaySeconds)
	})

	t.Run("string splices", func(t *testing.T) {
		assert.Equal(t, "Welcome (trial)", wf.Name)
		if assert.Len(t, wf.Steps, 1) {
			cfg := wf.Steps[0].ActionConfig
			assert.Equal(t, "sales@example.com", cfg["to"])
			assert.Equal(t, "Hello from sales@example.com", cfg["body"])
		}
	})

	t.Run("module and identity assignment", func(t *testing.T) {
		assert.Zero(t, wf.ID)
		if assert.NotNil(t, wf.ModuleID) {
			assert.Equal(t, int64(3), *wf.ModuleID)
		}
		assert.Equal(t, int64(1), wf.Steps[0].ID)
	})
}

func TestTemplates_RequiredVariableMissing(t *testing.T) {
	store := templateStore(t)
	templates := engine.NewTemplates(store, logger{})

	_, err := templates.Instantiate("welcome-email", nil, map[string]any{"note": "x"})
	assert.ErrorContains(t, err, "missing required variables: sender")
}

func TestTemplates_OptionalVariableDefaults(t *testing.T) {
	store := templateStore(t)
	templates := engine.NewTemplates(store, logger{})

	wf, err := templates.Instantiate("welcome-email", nil, map[string]any{"sender": "a@b.c"})
	assert.NoError(t, err)
	// Unset optional variable collapses to an empty string.
	assert.Equal(t, "Welcome ", wf.Name)
	assert.Equal(t, 3600, wf.DelaySeconds)
}

func TestTemplates_UnknownSlug(t *testing.T) {
	templates := engine.NewTemplates(storage.NewMockStore(), logger{})
	_, err := templates.Instantiate("missing", nil, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTemplates_ListAndGet(t *testing.T) {
	store := templateStore(t)
	other := welcomeTemplate()
	other.Slug = "deal-followup"
	other.Name = "Deal follow-up"
	other.Category = "sales"
	_, err := store.SaveTemplate(other)
	assert.NoError(t, err)

	templates := engine.NewTemplates(store, logger{})

	all, err := templates.List("")
	assert.NoError(t, err)
	assert.Len(t, all, 2)

	sales, err := templates.List("sales")
	assert.NoError(t, err)
	if assert.Len(t, sales, 1) {
		assert.Equal(t, "deal-followup", sales[0].Slug)
	}

	got, err := templates.Get("welcome-email")
	assert.NoError(t, err)
	assert.Equal(t, "Welcome email", got.Name)
}
