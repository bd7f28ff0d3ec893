package engine_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/ChrisMoss87/crmflow/pkg/engine"
	"github.com/ChrisMoss87/crmflow/pkg/models"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Warnf(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

func intPtr(n int) *int          { return &n }
func int64Ptr(n int64) *int64    { return &n }
func strPtr(s string) *string    { return &s }
func boolPtr(b bool) *bool       { return &b }
func conds(t *testing.T, doc string) models.ConditionSet {
	t.Helper()
	var cs models.ConditionSet
	if err := json.Unmarshal([]byte(doc), &cs); err != nil {
		t.Fatalf("parse conditions: %v", err)
	}
	return cs
}

type sentMail struct {
	To      []string
	Subject string
	Body    string
}

// fakeMailer counts sends and can fail the first N attempts, for retry
// tests.
type fakeMailer struct {
	mu        sync.Mutex
	sent      []sentMail
	failTimes int
	attempts  int
}

func (f *fakeMailer) Send(_ context.Context, to []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failTimes {
		return errors.New("smtp unavailable")
	}
	f.sent = append(f.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

type fakeRecords struct {
	mu      sync.Mutex
	records map[string]map[int64]models.FieldMap
	related map[string][]models.FieldMap
	due     []models.FieldMap
	nextID  int64
	updates int
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: map[string]map[int64]models.FieldMap{}, related: map[string][]models.FieldMap{}, nextID: 1000}
}

func (f *fakeRecords) put(module string, id int64, fields models.FieldMap) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[module] == nil {
		f.records[module] = map[int64]models.FieldMap{}
	}
	f.records[module][id] = fields
}

func (f *fakeRecords) get(module string, id int64) models.FieldMap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[module][id]
}

func (f *fakeRecords) GetRecord(_ context.Context, module string, id int64) (models.FieldMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[module][id]
	if !ok {
		return nil, errors.Errorf("record %s/%d not found", module, id)
	}
	return rec, nil
}

func (f *fakeRecords) CreateRecord(_ context.Context, module string, fields models.FieldMap) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.records[module] == nil {
		f.records[module] = map[int64]models.FieldMap{}
	}
	f.records[module][f.nextID] = fields
	return f.nextID, nil
}

func (f *fakeRecords) UpdateRecord(_ context.Context, module string, id int64, fields models.FieldMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	rec, ok := f.records[module][id]
	if !ok {
		return errors.Errorf("record %s/%d not found", module, id)
	}
	for k, v := range fields {
		rec[k] = v
	}
	return nil
}

func (f *fakeRecords) DeleteRecord(_ context.Context, module string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records[module], id)
	return nil
}

func (f *fakeRecords) AddTag(_ context.Context, module string, id int64, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[module][id]
	if !ok {
		return errors.Errorf("record %s/%d not found", module, id)
	}
	tags, _ := rec["tags"].([]string)
	rec["tags"] = append(tags, tag)
	return nil
}

func (f *fakeRecords) RemoveTag(_ context.Context, module string, id int64, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[module][id]
	if !ok {
		return errors.Errorf("record %s/%d not found", module, id)
	}
	tags, _ := rec["tags"].([]string)
	out := tags[:0]
	for _, existing := range tags {
		if existing != tag {
			out = append(out, existing)
		}
	}
	rec["tags"] = out
	return nil
}

func (f *fakeRecords) FindRelated(_ context.Context, _ string, _ int64, relationship string) ([]models.FieldMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.related[relationship], nil
}

func (f *fakeRecords) FindDue(_ context.Context, _ *int64, _ string, _, _ time.Time) ([]models.FieldMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.due, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []string
}

func (f *fakeNotifier) Notify(_ context.Context, userID int64, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, message)
	return nil
}

type webhookCall struct {
	URL     string
	Payload any
}

type fakeWebhooks struct {
	mu     sync.Mutex
	calls  []webhookCall
	status int
	body   string
}

func (f *fakeWebhooks) Post(_ context.Context, url string, _ map[string]string, payload any) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, webhookCall{URL: url, Payload: payload})
	status := f.status
	if status == 0 {
		status = 200
	}
	return status, f.body, nil
}

type fakeUsers struct {
	assignee int64
}

func (f *fakeUsers) ResolveAssignee(_ context.Context, _ string, _ models.JSONMap) (int64, error) {
	return f.assignee, nil
}

func collabWith(records *fakeRecords, mailer *fakeMailer) engine.Collaborators {
	if records == nil {
		records = newFakeRecords()
	}
	if mailer == nil {
		mailer = &fakeMailer{}
	}
	return engine.Collaborators{
		Records:  records,
		Mailer:   mailer,
		Notifier: &fakeNotifier{},
		Webhooks: &fakeWebhooks{},
		Users:    &fakeUsers{assignee: 7},
	}
}
