package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"

	"beacon/api/internal/email"
	"beacon/api/internal/store"
	"beacon/api/internal/util"
)

const maxFormFields = 30

var formFieldTypes = map[string]bool{
	"text":     true,
	"email":    true,
	"phone":    true,
	"textarea": true,
	"select":   true,
	"checkbox": true,
}

var fieldKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// FormField is one entry in a form definition. Definitions are stored as a
// JSON array in this shape.
type FormField struct {
	Key      string   `json:"key"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

type FormInput struct {
	Name           string      `json:"name"`
	Fields         []FormField `json:"fields"`
	SuccessMessage string      `json:"successMessage"`
	Notify         bool        `json:"notify"`
}

type SubmitFormInput struct {
	PageID string         `json:"pageId"`
	Values map[string]any `json:"values"`
}

// submitInputFromBody accepts a public submit body as either the bare field
// map or a {pageId, values} envelope. Field keys are snake_case, so neither
// envelope key can collide with a real field.
func submitInputFromBody(raw map[string]any) SubmitFormInput {
	input := SubmitFormInput{Values: raw}
	if pageID, ok := raw["pageId"].(string); ok {
		input.PageID = pageID
		delete(raw, "pageId")
	}
	if values, ok := raw["values"].(map[string]any); ok && len(raw) == 1 {
		input.Values = values
	}
	return input
}

// ListForms returns the business's forms with their submission counts.
func (s *Service) ListForms(ctx context.Context, session Session) ([]map[string]any, error) {
	forms, err := s.store.ListForms(ctx, session.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	payload := make([]map[string]any, 0, len(forms))
	for _, form := range forms {
		count, err := s.store.CountSubmissions(ctx, form.ID)
		if err != nil {
			return nil, fmt.Errorf("count submissions: %w", err)
		}
		item, err := formPayload(form)
		if err != nil {
			return nil, err
		}
		item["submissionCount"] = count
		payload = append(payload, item)
	}
	return payload, nil
}

func (s *Service) CreateForm(ctx context.Context, session Session, input FormInput) (map[string]any, error) {
	fields, err := validateFormInput(&input)
	if err != nil {
		return nil, err
	}
	form := store.Form{
		ID:             util.NewID("frm"),
		BusinessID:     session.BusinessID,
		Name:           input.Name,
		Fields:         fields,
		SuccessMessage: input.SuccessMessage,
		Notify:         input.Notify,
	}
	if err := s.store.InsertForm(ctx, form); err != nil {
		return nil, fmt.Errorf("insert form: %w", err)
	}
	s.indexRecord(ctx, "form", form.ID, form.BusinessID, form.Name, formFieldLabels(input.Fields), "")
	return formPayload(form)
}

func (s *Service) GetFormDetail(ctx context.Context, session Session, formID string) (map[string]any, error) {
	form, err := s.formScoped(ctx, session, formID)
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountSubmissions(ctx, form.ID)
	if err != nil {
		return nil, fmt.Errorf("count submissions: %w", err)
	}
	payload, err := formPayload(form)
	if err != nil {
		return nil, err
	}
	payload["submissionCount"] = count
	return payload, nil
}

func (s *Service) UpdateForm(ctx context.Context, session Session, formID string, input FormInput) (map[string]any, error) {
	form, err := s.formScoped(ctx, session, formID)
	if err != nil {
		return nil, err
	}
	fields, err := validateFormInput(&input)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateForm(ctx, form.ID, input.Name, fields, input.SuccessMessage, input.Notify); err != nil {
		return nil, fmt.Errorf("update form: %w", err)
	}
	form.Name = input.Name
	form.Fields = fields
	form.SuccessMessage = input.SuccessMessage
	form.Notify = input.Notify
	s.indexRecord(ctx, "form", form.ID, form.BusinessID, form.Name, formFieldLabels(input.Fields), "")
	return formPayload(form)
}

func (s *Service) DeleteForm(ctx context.Context, session Session, formID string) error {
	form, err := s.formScoped(ctx, session, formID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteForm(ctx, form.ID); err != nil {
		return fmt.Errorf("delete form: %w", err)
	}
	s.removeRecord(ctx, "form", form.ID)
	return nil
}

func (s *Service) ListFormSubmissions(ctx context.Context, session Session, formID string, limit int) ([]map[string]any, error) {
	form, err := s.formScoped(ctx, session, formID)
	if err != nil {
		return nil, err
	}
	submissions, err := s.store.ListSubmissions(ctx, form.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	payload := make([]map[string]any, 0, len(submissions))
	for _, sub := range submissions {
		var data map[string]any
		if err := json.Unmarshal([]byte(sub.Data), &data); err != nil {
			data = map[string]any{}
		}
		payload = append(payload, map[string]any{
			"id":           sub.ID,
			"pageId":       sub.PageID,
			"data":         data,
			"contactName":  sub.ContactName,
			"contactEmail": sub.ContactEmail,
			"contactPhone": sub.ContactPhone,
			"createdAt":    sub.CreatedAt,
		})
	}
	return payload, nil
}

// SubmitForm handles a public form post: validate against the definition,
// store the submission, notify the business, and kick off any follow-up
// sequences listening for submissions.
func (s *Service) SubmitForm(ctx context.Context, formID string, input SubmitFormInput) (map[string]any, error) {
	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	business, err := s.store.GetBusiness(ctx, form.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("get business: %w", err)
	}
	var fields []FormField
	if err := json.Unmarshal([]byte(form.Fields), &fields); err != nil {
		return nil, fmt.Errorf("decode form definition: %w", err)
	}

	values, fieldErrors := validateSubmission(fields, input.Values)
	if len(fieldErrors) > 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "submission has invalid fields", fieldErrors)
	}

	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	var pageID *string
	if input.PageID != "" {
		if page, err := s.store.GetPage(ctx, input.PageID); err == nil && page.BusinessID == form.BusinessID {
			pageID = &input.PageID
		}
	}
	name, emailAddr, phone := extractContact(fields, values)
	submission := store.FormSubmission{
		ID:           util.NewID("sub"),
		FormID:       form.ID,
		BusinessID:   form.BusinessID,
		PageID:       pageID,
		Data:         string(data),
		ContactName:  name,
		ContactEmail: emailAddr,
		ContactPhone: phone,
	}
	if err := s.store.InsertSubmission(ctx, submission); err != nil {
		return nil, fmt.Errorf("insert submission: %w", err)
	}

	if form.Notify && business.NotifyEmail != "" {
		s.sendFormNotification(ctx, business, form, fields, values, submission.ID)
	}
	s.triggerSequences(ctx, business, "form_submitted", submission.ID, sequenceContact{
		Name:    name,
		Email:   emailAddr,
		Phone:   phone,
		Service: form.Name,
	})

	message := form.SuccessMessage
	if message == "" {
		message = "Thanks, we received your submission."
	}
	return map[string]any{"ok": true, "message": message}, nil
}

func (s *Service) sendFormNotification(ctx context.Context, business store.Business, form store.Form, fields []FormField, values map[string]any, submissionID string) {
	fieldValues := make([]email.FieldValue, 0, len(fields))
	for _, field := range fields {
		if value, ok := values[field.Key]; ok {
			fieldValues = append(fieldValues, email.FieldValue{Label: field.Label, Value: fmt.Sprintf("%v", value)})
		}
	}
	subject, html, err := email.RenderFormNotification(business.Name, form.Name, fieldValues)
	if err != nil {
		log.Printf("mail: render form notification for %s: %v", form.ID, err)
		return
	}
	message := store.OutboxMessage{
		ID:            util.NewID("msg"),
		BusinessID:    business.ID,
		Channel:       "email",
		Recipient:     business.NotifyEmail,
		Subject:       subject,
		Body:          html,
		Kind:          "form_notification",
		SourceID:      submissionID,
		NextAttemptAt: s.now(),
	}
	if _, err := s.store.EnqueueMessage(ctx, message); err != nil {
		log.Printf("mail: enqueue form notification for %s: %v", form.ID, err)
	}
}

func (s *Service) formScoped(ctx context.Context, session Session, formID string) (store.Form, error) {
	form, err := s.store.GetForm(ctx, formID)
	if err != nil {
		return store.Form{}, err
	}
	if form.BusinessID != session.BusinessID {
		return store.Form{}, sql.ErrNoRows
	}
	return form, nil
}

// validateFormInput checks a definition and returns its canonical JSON.
func validateFormInput(input *FormInput) (string, error) {
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" || len(input.Name) > 120 {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must be 1-120 characters", nil)
	}
	if len(input.Fields) == 0 || len(input.Fields) > maxFormFields {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("a form needs 1-%d fields", maxFormFields), nil)
	}
	seen := make(map[string]bool, len(input.Fields))
	for i := range input.Fields {
		field := &input.Fields[i]
		field.Label = strings.TrimSpace(field.Label)
		if !fieldKeyPattern.MatchString(field.Key) || len(field.Key) > 40 {
			return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "field keys must be snake_case identifiers", map[string]string{"key": field.Key})
		}
		if seen[field.Key] {
			return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "field keys must be unique", map[string]string{"key": field.Key})
		}
		seen[field.Key] = true
		if field.Label == "" || len(field.Label) > 120 {
			return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "field labels must be 1-120 characters", map[string]string{"key": field.Key})
		}
		if !formFieldTypes[field.Type] {
			return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown field type", map[string]string{"key": field.Key, "type": field.Type})
		}
		if field.Type == "select" {
			if len(field.Options) == 0 {
				return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "select fields need at least one option", map[string]string{"key": field.Key})
			}
			for _, opt := range field.Options {
				if strings.TrimSpace(opt) == "" {
					return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "select options must not be blank", map[string]string{"key": field.Key})
				}
			}
		} else {
			field.Options = nil
		}
	}
	encoded, err := json.Marshal(input.Fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(encoded), nil
}

// validateSubmission filters the posted values down to defined keys and
// checks them against each field's type. It returns the kept values and a
// per-field error map.
func validateSubmission(fields []FormField, posted map[string]any) (map[string]any, map[string]string) {
	values := make(map[string]any, len(fields))
	fieldErrors := make(map[string]string)

	for _, field := range fields {
		raw, present := posted[field.Key]
		text := ""
		if present && raw != nil {
			text = strings.TrimSpace(fmt.Sprintf("%v", raw))
		}
		if text == "" {
			if field.Type == "checkbox" {
				values[field.Key] = false
				continue
			}
			if field.Required {
				fieldErrors[field.Key] = "required"
			}
			continue
		}

		switch field.Type {
		case "email":
			if !strings.Contains(text, "@") || strings.ContainsAny(text, " \t") {
				fieldErrors[field.Key] = "not an email address"
				continue
			}
			values[field.Key] = text
		case "phone":
			if digitCount(text) < 7 {
				fieldErrors[field.Key] = "not a phone number"
				continue
			}
			values[field.Key] = text
		case "select":
			if !containsOption(field.Options, text) {
				fieldErrors[field.Key] = "not one of the options"
				continue
			}
			values[field.Key] = text
		case "checkbox":
			values[field.Key] = text == "true" || text == "1" || text == "on"
		default: // text, textarea
			if len(text) > 5000 {
				fieldErrors[field.Key] = "too long"
				continue
			}
			values[field.Key] = text
		}
	}
	return values, fieldErrors
}

// extractContact pulls a contact out of a submission: a field keyed "name"
// wins for the name, falling back to the first text field, plus the first
// email and phone values.
func extractContact(fields []FormField, values map[string]any) (name, emailAddr, phone string) {
	firstText := ""
	for _, field := range fields {
		value, ok := values[field.Key]
		if !ok {
			continue
		}
		text := fmt.Sprintf("%v", value)
		switch {
		case field.Type == "email" && emailAddr == "":
			emailAddr = text
		case field.Type == "phone" && phone == "":
			phone = text
		case field.Key == "name":
			name = text
		case field.Type == "text" && firstText == "":
			firstText = text
		}
	}
	if name == "" {
		name = firstText
	}
	return name, emailAddr, phone
}

func formFieldLabels(fields []FormField) string {
	labels := make([]string, 0, len(fields))
	for _, field := range fields {
		labels = append(labels, field.Label)
	}
	return strings.Join(labels, " ")
}

func digitCount(s string) int {
	count := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			count++
		}
	}
	return count
}

func containsOption(options []string, value string) bool {
	for _, opt := range options {
		if opt == value {
			return true
		}
	}
	return false
}

func formPayload(form store.Form) (map[string]any, error) {
	var fields []FormField
	if err := json.Unmarshal([]byte(form.Fields), &fields); err != nil {
		return nil, fmt.Errorf("decode form fields: %w", err)
	}
	return map[string]any{
		"id":             form.ID,
		"name":           form.Name,
		"fields":         fields,
		"successMessage": form.SuccessMessage,
		"notify":         form.Notify,
		"createdAt":      form.CreatedAt,
		"updatedAt":      form.UpdatedAt,
	}, nil
}
