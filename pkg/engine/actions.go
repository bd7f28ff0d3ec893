package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ChrisMoss87/crmflow/pkg/models"
)

// RecordStore is the CRM record surface actions read and write. Records are
// field maps; module is the record's module API name.
type RecordStore interface {
	GetRecord(ctx context.Context, module string, id int64) (models.FieldMap, error)
	CreateRecord(ctx context.Context, module string, fields models.FieldMap) (int64, error)
	UpdateRecord(ctx context.Context, module string, id int64, fields models.FieldMap) error
	DeleteRecord(ctx context.Context, module string, id int64) error
	AddTag(ctx context.Context, module string, id int64, tag string) error
	RemoveTag(ctx context.Context, module string, id int64, tag string) error
	// FindRelated returns records linked to the given record through a
	// named relationship.
	FindRelated(ctx context.Context, module string, id int64, relationship string) ([]models.FieldMap, error)
	// FindDue returns records whose date field falls inside the window,
	// for relative schedule rules. A nil module id means all modules.
	FindDue(ctx context.Context, moduleID *int64, field string, from, to time.Time) ([]models.FieldMap, error)
}

// Mailer sends outbound mail for send_email steps.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// Notifier delivers in-app notifications to users.
type Notifier interface {
	Notify(ctx context.Context, userID int64, title, message string) error
}

// WebhookSender posts JSON payloads to external URLs.
type WebhookSender interface {
	Post(ctx context.Context, url string, headers map[string]string, payload any) (status int, body string, err error)
}

// UserDirectory resolves assignment targets for assign_user steps.
type UserDirectory interface {
	// ResolveAssignee returns the user id for an assignment strategy
	// (fixed user, round_robin over a team, least_loaded).
	ResolveAssignee(ctx context.Context, strategy string, cfg models.JSONMap) (int64, error)
}

// Collaborators bundles the external surfaces the dispatcher calls into.
// Nil members cause the corresponding actions to fail with a clear error
// rather than panic.
type Collaborators struct {
	Records  RecordStore
	Mailer   Mailer
	Notifier Notifier
	Webhooks WebhookSender
	Users    UserDirectory
}

// ActionResult is what a handler returns on success. Output is merged into
// the execution context under step_outputs. ConditionMet is set only by
// condition steps. SuspendFor > 0 asks the executor to park the execution
// and resume after the delay.
type ActionResult struct {
	Output       models.JSONMap
	ConditionMet *bool
	SuspendFor   time.Duration
}

type actionHandler func(ctx context.Context, d *Dispatcher, cfg models.JSONMap, execCtx models.FieldMap) (ActionResult, error)

// Dispatcher routes steps to action handlers. Handlers are looked up by
// action type; unknown types fail the step.
type Dispatcher struct {
	collab   Collaborators
	logger   Logger
	handlers map[models.ActionType]actionHandler
}

func NewDispatcher(collab Collaborators, logger Logger) *Dispatcher {
	d := &Dispatcher{collab: collab, logger: logger}
	d.handlers = map[models.ActionType]actionHandler{
		models.ActionSendEmail:           runSendEmail,
		models.ActionCreateRecord:        runCreateRecord,
		models.ActionUpdateRecord:        runUpdateRecord,
		models.ActionDeleteRecord:        runDeleteRecord,
		models.ActionUpdateField:         runUpdateField,
		models.ActionWebhook:             runWebhook,
		models.ActionAssignUser:          runAssignUser,
		models.ActionAddTag:              runAddTag,
		models.ActionRemoveTag:           runRemoveTag,
		models.ActionSendNotification:    runSendNotification,
		models.ActionDelay:               runDelay,
		models.ActionCondition:           runCondition,
		models.ActionCreateTask:          runCreateTask,
		models.ActionMoveStage:           runMoveStage,
		models.ActionUpdateRelatedRecord: runUpdateRelatedRecord,
	}
	return d
}

// Dispatch executes one step's action against the execution context.
// Config values go through {{path}} interpolation before the handler runs.
func (d *Dispatcher) Dispatch(ctx context.Context, step *models.WorkflowStep, execCtx models.FieldMap) (ActionResult, error) {
	h, ok := d.handlers[step.ActionType]
	if !ok {
		return ActionResult{}, errors.Errorf("unknown action type %q", step.ActionType)
	}
	cfg := step.ActionConfig
	if cfg == nil {
		cfg = models.JSONMap{}
	}
	return h(ctx, d, interpolateMap(cfg, execCtx), execCtx)
}

// ValidateConfig runs the save-time checks for a step's action config.
// Execution never sees a step whose config fails here.
func ValidateConfig(action models.ActionType, cfg models.JSONMap) error {
	req, ok := requiredKeys[action]
	if !ok {
		return errors.Errorf("unknown action type %q", action)
	}
	var missing []string
	for _, k := range req {
		if v, present := cfg[k]; !present || v == nil || v == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("%s config missing required keys: %s", action, strings.Join(missing, ", "))
	}
	switch action {
	case models.ActionDelay:
		if n, err := cfgInt(cfg, "delay_seconds"); err != nil || n <= 0 {
			return errors.New("delay config requires a positive delay_seconds")
		}
	case models.ActionCondition:
		var cs models.ConditionSet
		if err := decodeConditions(cfg["conditions"], &cs); err != nil {
			return errors.Wrap(err, "condition config")
		}
	}
	return nil
}

var requiredKeys = map[models.ActionType][]string{
	models.ActionSendEmail:           {"to", "subject", "body"},
	models.ActionCreateRecord:        {"module", "fields"},
	models.ActionUpdateRecord:        {"fields"},
	models.ActionDeleteRecord:        {},
	models.ActionUpdateField:         {"field", "value"},
	models.ActionWebhook:             {"url"},
	models.ActionAssignUser:          {"strategy"},
	models.ActionAddTag:              {"tag"},
	models.ActionRemoveTag:           {"tag"},
	models.ActionSendNotification:    {"user_id", "message"},
	models.ActionDelay:               {"delay_seconds"},
	models.ActionCondition:           {"conditions"},
	models.ActionCreateTask:          {"subject"},
	models.ActionMoveStage:           {"stage"},
	models.ActionUpdateRelatedRecord: {"relationship", "fields"},
}

// ActionDefinition is the catalog entry plus required config keys served by
// the action-types endpoint.
type ActionDefinition struct {
	Value models.ActionType `json:"value"`
	models.ActionTypeInfo
	RequiredConfig []string `json:"required_config"`
}

func Definitions() []ActionDefinition {
	infos := models.ActionTypes()
	out := make([]ActionDefinition, 0, len(infos))
	for value, info := range infos {
		req := requiredKeys[value]
		if req == nil {
			req = []string{}
		}
		out = append(out, ActionDefinition{Value: value, ActionTypeInfo: info, RequiredConfig: req})
	}
	return out
}

func runSendEmail(ctx context.Context, d *Dispatcher, cfg models.JSONMap, _ models.FieldMap) (ActionResult, error) {
	if d.collab.Mailer == nil {
		return ActionResult{}, errors.New("send_email: no mailer configured")
	}
	to := cfgStringList(cfg, "to")
	if len(to) == 0 {
		return ActionResult{}, errors.New("send_email: no recipients")
	}
	subject, _ := cfg["subject"].(string)
	body, _ := cfg["body"].(string)
	if err := d.collab.Mailer.Send(ctx, to, subject, body); err != nil {
		return ActionResult{}, errors.Wrap(err, "send_email")
	}
	return ActionResult{Output: models.JSONMap{"sent_to": to, "subject": subject}}, nil
}

func runCreateRecord(ctx context.Context, d *Dispatcher, cfg models.JSONMap, _ models.FieldMap) (ActionResult, error) {
	if d.collab.Records == nil {
		return ActionResult{}, errors.New("create_record: no record store configured")
	}
	module, _ := cfg["module"].(string)
	fields := cfgFieldMap(cfg, "fields")
	id, err := d.collab.Records.CreateRecord(ctx, module, fields)
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "create_record")
	}
	return ActionResult{Output: models.JSONMap{"record_id": id, "module": module}}, nil
}

func runUpdateRecord(ctx context.Context, d *Dispatcher, cfg models.JSONMap, execCtx models.FieldMap) (ActionResult, error) {
	if d.collab.Records == nil {
		return ActionResult{}, errors.New("update_record: no record store configured")
	}
	module, id, err := targetRecord(cfg, execCtx)
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "update_record")
	}
	fields := cfgFieldMap(cfg, "fields")
	if err := d.collab.Records.UpdateRecord(ctx, module, id, fields); err != nil {
		return ActionResult{}, errors.Wrap(err, "update_record")
	}
	return ActionResult{Output: models.JSONMap{"record_id": id, "updated_fields": fieldNames(fields)}}, nil
}

func runDeleteRecord(ctx context.Context, d *Dispatcher, cfg models.JSONMap, execCtx models.FieldMap) (ActionResult, error) {
	if d.collab.Records == nil {
		return ActionResult{}, errors.New("delete_record: no record store configured")
	}
	module, id, err := targetRecord(cfg, execCtx)
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "delete_record")
	}
	if err := d.collab.Records.DeleteRecord(ctx, module, id); err != nil {
		return ActionResult{}, errors.Wrap(err, "delete_record")
	}
	return ActionResult{Output: models.JSONMap{"record_id": id, "deleted": true}}, nil
}

func runUpdateField(ctx context.Context, d *Dispatcher, cfg models.JSONMap, execCtx models.FieldMap) (ActionResult, error) {
	if d.collab.Records == nil {
		return ActionResult{}, errors.New("update_field: no record store configured")
	}
	module, id, err := targetRecord(cfg, execCtx)
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "update_field")
	}
	field, _ := cfg["field"].(string)
	if err := d.collab.Records.UpdateRecord(ctx, module, id, models.FieldMap{field: cfg["value"]}); err != nil {
		return ActionResult{}, errors.Wrap(err, "update_field")
	}
	return ActionResult{Output: models.JSONMap{"record_id": id, "field": field, "value": cfg["value"]}}, nil
}

func runWebhook(ctx context.Context, d *Dispatcher, cfg models.JSONMap, execCtx models.FieldMap) (ActionResult, error) {
	if d.collab.Webhooks == nil {
		return ActionResult{}, errors.New("webhook: no webhook sender configured")
	}
	url, _ := cfg["url"].(string)
	headers := map[string]string{}
	if h, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range h {
			headers[k] = fmt.Sprint(v)
		}
	}
	payload := cfg["payload"]
	if payload == nil {
		payload = map[string]any{"record": execCtx["record"], "record_id": execCtx["record_id"]}
	}
	status, body, err := d.collab.Webhooks.Post(ctx, url, headers, payload)
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "webhook")
	}
	if status >= 400 {
		return ActionResult{}, errors.Errorf("webhook: remote returned %d: %s", status, truncate(body, 200))
	}
	return ActionResult{Output: models.JSONMap{"status": status, "response": truncate(body, 1000)}}, nil
}

func runAssignUser(ctx context.Context, d *Dispatcher, cfg models.JSONMap, execCtx models.FieldMap) (ActionResult, error) {
	if d.collab.Users == nil || d.collab.Records == nil {
		return ActionResult{}, errors.New("assign_user: user directory or record store not configured")
	}
	strategy, _ := cfg["strategy"].(string)
	userID, err := d.collab.Users.ResolveAssignee(ctx, strategy, cfg)
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "assign_user")
	}
	module, id, err := targetRecord(cfg, execCtx)
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "assign_user")
	}
	field, _ := cfg["assignee_field"].(string)
	if field == "" {
		field = "assigned_to"
	}
	if err := d.collab.Records.UpdateRecord(ctx, module, id, models.FieldMap{field: userID}); err != nil {
		return ActionResult{}, errors.Wrap(err, "assign_user")
	}
	return ActionResult{Output: models.JSONMap{"record_id": id, "assigned_to": userID, "strategy": strategy}}, nil
}

func runAddTag(ctx context.Context, d *Dispatcher, cfg models.JSONMap, execCtx models.FieldMap) (ActionResult, error) {
	return tagAction(ctx, d, cfg, execCtx, "add_tag")
}

func runRemoveTag(ctx context.Context, d *Dispatcher, cfg models.JSONMap, execCtx models.FieldMap) (ActionResult, error) {
	return tagAction(ctx, d, cfg, execCtx, "remove_tag")
}

func tagAction(ctx context.Context, d *Dispatcher, cfg models.JSONMap, execCtx models.FieldMap, name string) (ActionResult, error) {
	if d.collab.Records == nil {
		return ActionResult{}, errors.Errorf("%s: no record store configured", name)
	}
	module, id, err := targetRecord(cfg, execCtx)
	if err != nil {
		return ActionResult{}, errors.Wrap(err, name)
	}
	tag, _ := cfg["tag"].(string)
	if tag == "" {
		return ActionResult{}, errors.Errorf("%s: empty tag", name)
	}
	if name == "add_tag" {
		err = d.collab.Records.AddTag(ctx, module, id, tag)
	} else {
		err = d.collab.Records.RemoveTag(ctx, module, id, tag)
	}
	if err != nil {
		return ActionResult{}, errors.Wrap(err, name)
	}
	return ActionResult{Output: models.JSONMap{"record_id": id, "tag": tag}}, nil
}

func runSendNotification(ctx context.Context, d *Dispatcher, cfg models.JSONMap, _ models.FieldMap) (ActionResult, error) {
	if d.collab.Notifier == nil {
		return ActionResult{}, errors.New("send_notification: no notifier configured")
	}
	userID, err := cfgInt(cfg, "user_id")
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "send_notification")
	}
	title, _ := cfg["title"].(string)
	message, _ := cfg["message"].(string)
	if err := d.collab.Notifier.Notify(ctx, userID, title, message); err != nil {
		return ActionResult{}, errors.Wrap(err, "send_notification")
	}
	return ActionResult{Output: models.JSONMap{"user_id": userID}}, nil
}

func runDelay(_ context.Context, _ *Dispatcher, cfg models.JSONMap, _ models.FieldMap) (ActionResult, error) {
	n, err := cfgInt(cfg, "delay_seconds")
	if err != nil || n <= 0 {
		return ActionResult{}, errors.New("delay: positive delay_seconds required")
	}
	return ActionResult{
		Output:     models.JSONMap{"delay_seconds": n},
		SuspendFor: time.Duration(n) * time.Second,
	}, nil
}

func runCondition(_ context.Context, _ *Dispatcher, cfg models.JSONMap, execCtx models.FieldMap) (ActionResult, error) {
	var cs models.ConditionSet
	if err := decodeConditions(cfg["conditions"], &cs); err != nil {
		return ActionResult{}, errors.Wrap(err, "condition")
	}
	met := EvaluateConditions(cs, execCtx)
	return ActionResult{Output: models.JSONMap{"condition_met": met}, ConditionMet: &met}, nil
}

func runCreateTask(ctx context.Context, d *Dispatcher, cfg models.JSONMap, execCtx models.FieldMap) (ActionResult, error) {
	if d.collab.Records == nil {
		return ActionResult{}, errors.New("create_task: no record store configured")
	}
	fields := cfgFieldMap(cfg, "fields")
	if fields == nil {
		fields = models.FieldMap{}
	}
	fields["subject"] = cfg["subject"]
	if v, ok := cfg["due_in_days"]; ok {
		if n, err := numeric(v); err == nil {
			fields["due_date"] = time.Now().UTC().AddDate(0, 0, int(n)).Format("2006-01-02")
		}
	}
	if id, ok := recordID(execCtx); ok {
		fields["related_record_id"] = id
	}
	id, err := d.collab.Records.CreateRecord(ctx, "tasks", fields)
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "create_task")
	}
	return ActionResult{Output: models.JSONMap{"task_id": id}}, nil
}

func runMoveStage(ctx context.Context, d *Dispatcher, cfg models.JSONMap, execCtx models.FieldMap) (ActionResult, error) {
	if d.collab.Records == nil {
		return ActionResult{}, errors.New("move_stage: no record store configured")
	}
	module, id, err := targetRecord(cfg, execCtx)
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "move_stage")
	}
	stage := cfg["stage"]
	field, _ := cfg["stage_field"].(string)
	if field == "" {
		field = "stage"
	}
	if err := d.collab.Records.UpdateRecord(ctx, module, id, models.FieldMap{field: stage}); err != nil {
		return ActionResult{}, errors.Wrap(err, "move_stage")
	}
	return ActionResult{Output: models.JSONMap{"record_id": id, "stage": stage}}, nil
}

func runUpdateRelatedRecord(ctx context.Context, d *Dispatcher, cfg models.JSONMap, execCtx models.FieldMap) (ActionResult, error) {
	if d.collab.Records == nil {
		return ActionResult{}, errors.New("update_related_record: no record store configured")
	}
	module, id, err := targetRecord(cfg, execCtx)
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "update_related_record")
	}
	relationship, _ := cfg["relationship"].(string)
	related, err := d.collab.Records.FindRelated(ctx, module, id, relationship)
	if err != nil {
		return ActionResult{}, errors.Wrap(err, "update_related_record")
	}
	fields := cfgFieldMap(cfg, "fields")
	updated := 0
	for _, rec := range related {
		rid, err := numeric(rec["id"])
		if err != nil {
			continue
		}
		relModule, _ := rec["module"].(string)
		if relModule == "" {
			relModule, _ = cfg["related_module"].(string)
		}
		if err := d.collab.Records.UpdateRecord(ctx, relModule, int64(rid), fields); err != nil {
			return ActionResult{}, errors.Wrap(err, "update_related_record")
		}
		updated++
	}
	return ActionResult{Output: models.JSONMap{"records_updated": updated}}, nil
}
