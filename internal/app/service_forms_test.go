package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"beacon/api/internal/store"
)

func consultFormFields() []FormField {
	return []FormField{
		{Key: "name", Label: "Name", Type: "text", Required: true},
		{Key: "email", Label: "Email", Type: "email", Required: true},
		{Key: "phone", Label: "Phone", Type: "phone"},
		{Key: "service", Label: "Service", Type: "select", Options: []string{"Implants", "Whitening"}},
		{Key: "consent", Label: "Consent", Type: "checkbox"},
	}
}

func TestCreateForm(t *testing.T) {
	ctx := context.Background()
	session := sessionAs("staff")

	t.Run("stores the canonical definition", func(t *testing.T) {
		var inserted store.Form
		fs := &fakeStore{insertFormFn: func(ctx context.Context, form store.Form) error {
			inserted = form
			return nil
		}}
		svc := newTestService(t, fs)

		payload, err := svc.CreateForm(ctx, session, FormInput{
			Name:   "  Consult Request  ",
			Fields: consultFormFields(),
		})
		if err != nil {
			t.Fatalf("create form: %v", err)
		}
		if payload["name"] != "Consult Request" {
			t.Fatalf("expected trimmed name, got %v", payload["name"])
		}
		if inserted.BusinessID != "biz_1" || !strings.HasPrefix(inserted.ID, "frm") {
			t.Errorf("unexpected stored form: %+v", inserted)
		}
		var fields []FormField
		if err := json.Unmarshal([]byte(inserted.Fields), &fields); err != nil {
			t.Fatalf("stored fields are not valid JSON: %v", err)
		}
		if len(fields) != 5 || fields[3].Options[0] != "Implants" {
			t.Errorf("unexpected stored fields: %+v", fields)
		}

		indexed := svc.search.(*fakeSearch).indexed
		if len(indexed) != 1 || indexed[0].Kind != "form" {
			t.Errorf("expected the form indexed, got %+v", indexed)
		}
	})

	t.Run("drops options from non-select fields", func(t *testing.T) {
		var inserted store.Form
		fs := &fakeStore{insertFormFn: func(ctx context.Context, form store.Form) error {
			inserted = form
			return nil
		}}
		svc := newTestService(t, fs)

		_, err := svc.CreateForm(ctx, session, FormInput{
			Name:   "Quick",
			Fields: []FormField{{Key: "note", Label: "Note", Type: "text", Options: []string{"stray"}}},
		})
		if err != nil {
			t.Fatalf("create form: %v", err)
		}
		if strings.Contains(inserted.Fields, "options") {
			t.Errorf("expected options dropped for a text field, got %s", inserted.Fields)
		}
	})

	t.Run("rejects bad definitions", func(t *testing.T) {
		svc := newTestService(t, &fakeStore{})
		field := func(key, typ string) FormField { return FormField{Key: key, Label: "Label", Type: typ} }

		tooMany := make([]FormField, maxFormFields+1)
		for i := range tooMany {
			tooMany[i] = FormField{Key: "f" + strings.Repeat("x", i%5) + string(rune('a'+i%26)), Label: "L", Type: "text"}
		}

		cases := []struct {
			name  string
			input FormInput
		}{
			{"blank name", FormInput{Name: "  ", Fields: []FormField{field("a", "text")}}},
			{"no fields", FormInput{Name: "Ok"}},
			{"too many fields", FormInput{Name: "Ok", Fields: tooMany}},
			{"uppercase key", FormInput{Name: "Ok", Fields: []FormField{field("Name", "text")}}},
			{"leading digit key", FormInput{Name: "Ok", Fields: []FormField{field("1st", "text")}}},
			{"duplicate keys", FormInput{Name: "Ok", Fields: []FormField{field("a", "text"), field("a", "email")}}},
			{"blank label", FormInput{Name: "Ok", Fields: []FormField{{Key: "a", Label: " ", Type: "text"}}}},
			{"unknown type", FormInput{Name: "Ok", Fields: []FormField{field("a", "date")}}},
			{"select without options", FormInput{Name: "Ok", Fields: []FormField{field("a", "select")}}},
			{"select with blank option", FormInput{Name: "Ok", Fields: []FormField{{Key: "a", Label: "A", Type: "select", Options: []string{" "}}}}},
		}
		for _, tc := range cases {
			if _, err := svc.CreateForm(ctx, session, tc.input); errorCode(err) != "VALIDATION_ERROR" {
				t.Errorf("%s: expected VALIDATION_ERROR, got %v", tc.name, err)
			}
		}
	})
}

// submitFixture wires one form and captures whatever the submit stores and
// enqueues.
type submitFixture struct {
	svc        *Service
	submission *store.FormSubmission
	queued     []store.OutboxMessage
}

func newSubmitFixture(t *testing.T, form store.Form) *submitFixture {
	t.Helper()
	f := &submitFixture{}
	fs := &fakeStore{
		getFormFn: func(ctx context.Context, formID string) (store.Form, error) {
			if formID != form.ID {
				return store.Form{}, sql.ErrNoRows
			}
			return form, nil
		},
		getBusinessFn: func(ctx context.Context, businessID string) (store.Business, error) {
			return testBusiness(), nil
		},
		insertSubmissionFn: func(ctx context.Context, submission store.FormSubmission) error {
			f.submission = &submission
			return nil
		},
		enqueueMessageFn: func(ctx context.Context, message store.OutboxMessage) (bool, error) {
			f.queued = append(f.queued, message)
			return true, nil
		},
	}
	f.svc = newTestService(t, fs)
	return f
}

func consultForm(notify bool) store.Form {
	fields, _ := json.Marshal(consultFormFields())
	return store.Form{ID: "frm_1", BusinessID: "biz_1", Name: "Consult Request", Fields: string(fields), Notify: notify}
}

func TestSubmitForm(t *testing.T) {
	ctx := context.Background()

	t.Run("stores values and the extracted contact", func(t *testing.T) {
		f := newSubmitFixture(t, consultForm(false))
		payload, err := f.svc.SubmitForm(ctx, "frm_1", SubmitFormInput{Values: map[string]any{
			"name":    "  Ada Lovelace  ",
			"email":   "ada@example.com",
			"phone":   "(512) 555-0199",
			"service": "Implants",
			"consent": "on",
			"stray":   "dropped",
		}})
		if err != nil {
			t.Fatalf("submit form: %v", err)
		}
		if payload["message"] != "Thanks, we received your submission." {
			t.Fatalf("expected the default success message, got %v", payload["message"])
		}

		sub := f.submission
		if sub == nil {
			t.Fatal("expected a stored submission")
		}
		if sub.ContactName != "Ada Lovelace" || sub.ContactEmail != "ada@example.com" || sub.ContactPhone != "(512) 555-0199" {
			t.Errorf("unexpected contact: %+v", sub)
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(sub.Data), &data); err != nil {
			t.Fatalf("stored data is not valid JSON: %v", err)
		}
		if data["name"] != "Ada Lovelace" || data["consent"] != true {
			t.Errorf("unexpected stored values: %v", data)
		}
		if _, ok := data["stray"]; ok {
			t.Error("expected undeclared keys dropped")
		}
		if len(f.queued) != 0 {
			t.Errorf("expected no notification without notify, got %+v", f.queued)
		}
	})

	t.Run("uses the configured success message", func(t *testing.T) {
		form := consultForm(false)
		form.SuccessMessage = "We will call you back today."
		f := newSubmitFixture(t, form)
		payload, err := f.svc.SubmitForm(ctx, "frm_1", SubmitFormInput{Values: map[string]any{
			"name": "Ada", "email": "ada@example.com",
		}})
		if err != nil {
			t.Fatalf("submit form: %v", err)
		}
		if payload["message"] != "We will call you back today." {
			t.Errorf("expected the configured message, got %v", payload["message"])
		}
	})

	t.Run("reports field errors", func(t *testing.T) {
		f := newSubmitFixture(t, consultForm(false))
		cases := []struct {
			name   string
			values map[string]any
			field  string
			reason string
		}{
			{"missing required", map[string]any{"email": "ada@example.com"}, "name", "required"},
			{"bad email", map[string]any{"name": "Ada", "email": "not an email"}, "email", "not an email address"},
			{"short phone", map[string]any{"name": "Ada", "email": "a@b.co", "phone": "123"}, "phone", "not a phone number"},
			{"unknown option", map[string]any{"name": "Ada", "email": "a@b.co", "service": "Veneers"}, "service", "not one of the options"},
			{"oversized text", map[string]any{"name": strings.Repeat("x", 5001), "email": "a@b.co"}, "name", "too long"},
		}
		for _, tc := range cases {
			_, err := f.svc.SubmitForm(ctx, "frm_1", SubmitFormInput{Values: tc.values})
			if errorCode(err) != "VALIDATION_ERROR" {
				t.Errorf("%s: expected VALIDATION_ERROR, got %v", tc.name, err)
				continue
			}
			var derr *DomainError
			if !errors.As(err, &derr) {
				t.Errorf("%s: expected a domain error", tc.name)
				continue
			}
			details, _ := derr.Details.(map[string]string)
			if details[tc.field] != tc.reason {
				t.Errorf("%s: expected %s=%q, got %v", tc.name, tc.field, tc.reason, derr.Details)
			}
		}
	})

	t.Run("absent checkbox stores false", func(t *testing.T) {
		f := newSubmitFixture(t, consultForm(false))
		if _, err := f.svc.SubmitForm(ctx, "frm_1", SubmitFormInput{Values: map[string]any{
			"name": "Ada", "email": "ada@example.com",
		}}); err != nil {
			t.Fatalf("submit form: %v", err)
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(f.submission.Data), &data); err != nil {
			t.Fatalf("decode stored data: %v", err)
		}
		if data["consent"] != false {
			t.Errorf("expected consent false, got %v", data["consent"])
		}
	})

	t.Run("notifies the business inbox", func(t *testing.T) {
		f := newSubmitFixture(t, consultForm(true))
		if _, err := f.svc.SubmitForm(ctx, "frm_1", SubmitFormInput{Values: map[string]any{
			"name": "Ada", "email": "ada@example.com",
		}}); err != nil {
			t.Fatalf("submit form: %v", err)
		}
		if len(f.queued) != 1 {
			t.Fatalf("expected one queued notification, got %d", len(f.queued))
		}
		msg := f.queued[0]
		if msg.Kind != "form_notification" || msg.Channel != "email" || msg.Recipient != "front-desk@glowdental.test" {
			t.Errorf("unexpected notification: %+v", msg)
		}
		if !strings.Contains(msg.Body, "Ada") {
			t.Errorf("expected submitted values in the notification body")
		}
	})

	t.Run("attaches the page when it belongs to the business", func(t *testing.T) {
		f := newSubmitFixture(t, consultForm(false))
		f.svc.store.(*fakeStore).getPageFn = func(ctx context.Context, pageID string) (store.Page, error) {
			if pageID == "pag_1" {
				return store.Page{ID: "pag_1", FunnelID: "fun_1", BusinessID: "biz_1"}, nil
			}
			return store.Page{}, sql.ErrNoRows
		}

		if _, err := f.svc.SubmitForm(ctx, "frm_1", SubmitFormInput{PageID: "pag_1", Values: map[string]any{
			"name": "Ada", "email": "ada@example.com",
		}}); err != nil {
			t.Fatalf("submit form: %v", err)
		}
		if f.submission.PageID == nil || *f.submission.PageID != "pag_1" {
			t.Errorf("expected the page attached, got %v", f.submission.PageID)
		}

		if _, err := f.svc.SubmitForm(ctx, "frm_1", SubmitFormInput{PageID: "pag_missing", Values: map[string]any{
			"name": "Ada", "email": "ada@example.com",
		}}); err != nil {
			t.Fatalf("submit form: %v", err)
		}
		if f.submission.PageID != nil {
			t.Errorf("expected an unknown page dropped, got %v", f.submission.PageID)
		}
	})

	t.Run("falls back to the first text field for the name", func(t *testing.T) {
		fields, _ := json.Marshal([]FormField{
			{Key: "company", Label: "Company", Type: "text"},
			{Key: "email", Label: "Email", Type: "email", Required: true},
		})
		f := newSubmitFixture(t, store.Form{ID: "frm_1", BusinessID: "biz_1", Name: "Leads", Fields: string(fields)})
		if _, err := f.svc.SubmitForm(ctx, "frm_1", SubmitFormInput{Values: map[string]any{
			"company": "Lovelace Labs", "email": "ada@example.com",
		}}); err != nil {
			t.Fatalf("submit form: %v", err)
		}
		if f.submission.ContactName != "Lovelace Labs" {
			t.Errorf("expected the text fallback as the name, got %q", f.submission.ContactName)
		}
	})
}

func TestFormScoping(t *testing.T) {
	ctx := context.Background()
	fields, _ := json.Marshal(consultFormFields())
	fs := &fakeStore{
		getFormFn: func(ctx context.Context, formID string) (store.Form, error) {
			return store.Form{ID: formID, BusinessID: "biz_2", Fields: string(fields)}, nil
		},
	}
	svc := newTestService(t, fs)

	if _, err := svc.GetFormDetail(ctx, sessionAs("owner"), "frm_9"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected a foreign form to look missing, got %v", err)
	}
	if err := svc.DeleteForm(ctx, sessionAs("owner"), "frm_9"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected a foreign form to look missing, got %v", err)
	}
}

func TestListFormsIncludesCounts(t *testing.T) {
	ctx := context.Background()
	fields, _ := json.Marshal(consultFormFields())
	fs := &fakeStore{
		listFormsFn: func(ctx context.Context, businessID string) ([]store.Form, error) {
			return []store.Form{
				{ID: "frm_1", BusinessID: businessID, Name: "Consults", Fields: string(fields)},
				{ID: "frm_2", BusinessID: businessID, Name: "Callbacks", Fields: string(fields)},
			}, nil
		},
		countSubmissionsFn: func(ctx context.Context, formID string) (int, error) {
			if formID == "frm_1" {
				return 7, nil
			}
			return 0, nil
		},
	}
	svc := newTestService(t, fs)

	payload, err := svc.ListForms(ctx, sessionAs("viewer"))
	if err != nil {
		t.Fatalf("list forms: %v", err)
	}
	if len(payload) != 2 {
		t.Fatalf("expected two forms, got %d", len(payload))
	}
	if payload[0]["submissionCount"] != 7 || payload[1]["submissionCount"] != 0 {
		t.Errorf("unexpected counts: %v %v", payload[0]["submissionCount"], payload[1]["submissionCount"])
	}
}
