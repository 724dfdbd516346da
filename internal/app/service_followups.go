package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"beacon/api/internal/email"
	"beacon/api/internal/outbox"
	"beacon/api/internal/store"
	"beacon/api/internal/util"
)

const maxSequenceSteps = 10

var sequenceTriggers = map[string]bool{
	"booking_completed": true,
	"form_submitted":    true,
}

// SequenceStep is one scheduled message in a follow-up sequence. Steps are
// stored as a JSON array in this shape.
type SequenceStep struct {
	DelayMinutes int    `json:"delayMinutes"`
	Channel      string `json:"channel"`
	Subject      string `json:"subject,omitempty"`
	Body         string `json:"body"`
}

type SequenceInput struct {
	Name    string         `json:"name"`
	Trigger string         `json:"trigger"`
	Active  bool           `json:"active"`
	Steps   []SequenceStep `json:"steps"`
}

// sequenceContact is who a triggered sequence writes to.
type sequenceContact struct {
	Name    string
	Email   string
	Phone   string
	Service string
}

func (s *Service) ListSequences(ctx context.Context, session Session) ([]map[string]any, error) {
	sequences, err := s.store.ListSequences(ctx, session.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	payload := make([]map[string]any, 0, len(sequences))
	for _, sequence := range sequences {
		item, err := sequencePayload(sequence)
		if err != nil {
			return nil, err
		}
		payload = append(payload, item)
	}
	return payload, nil
}

func (s *Service) CreateSequence(ctx context.Context, session Session, input SequenceInput) (map[string]any, error) {
	steps, err := validateSequenceInput(&input)
	if err != nil {
		return nil, err
	}
	sequence := store.FollowUpSequence{
		ID:         util.NewID("seq"),
		BusinessID: session.BusinessID,
		Name:       input.Name,
		Trigger:    input.Trigger,
		Active:     input.Active,
		Steps:      steps,
	}
	if err := s.store.InsertSequence(ctx, sequence); err != nil {
		return nil, fmt.Errorf("insert sequence: %w", err)
	}
	return sequencePayload(sequence)
}

func (s *Service) GetSequenceDetail(ctx context.Context, session Session, sequenceID string) (map[string]any, error) {
	sequence, err := s.sequenceScoped(ctx, session, sequenceID)
	if err != nil {
		return nil, err
	}
	return sequencePayload(sequence)
}

func (s *Service) UpdateSequence(ctx context.Context, session Session, sequenceID string, input SequenceInput) (map[string]any, error) {
	sequence, err := s.sequenceScoped(ctx, session, sequenceID)
	if err != nil {
		return nil, err
	}
	steps, err := validateSequenceInput(&input)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateSequence(ctx, sequence.ID, input.Name, input.Trigger, steps, input.Active); err != nil {
		return nil, fmt.Errorf("update sequence: %w", err)
	}
	sequence.Name = input.Name
	sequence.Trigger = input.Trigger
	sequence.Steps = steps
	sequence.Active = input.Active
	return sequencePayload(sequence)
}

func (s *Service) DeleteSequence(ctx context.Context, session Session, sequenceID string) error {
	sequence, err := s.sequenceScoped(ctx, session, sequenceID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSequence(ctx, sequence.ID); err != nil {
		return fmt.Errorf("delete sequence: %w", err)
	}
	return nil
}

// triggerSequences enqueues every step of every active sequence listening on
// the trigger. Each step's dedupe key pins it to the source event, so a
// replayed webhook cannot double-send a sequence.
func (s *Service) triggerSequences(ctx context.Context, business store.Business, trigger, sourceID string, contact sequenceContact) {
	sequences, err := s.store.ListActiveSequencesByTrigger(ctx, business.ID, trigger)
	if err != nil {
		log.Printf("followups: list sequences for %s: %v", business.ID, err)
		return
	}
	for _, sequence := range sequences {
		var steps []SequenceStep
		if err := json.Unmarshal([]byte(sequence.Steps), &steps); err != nil {
			log.Printf("followups: sequence %s has malformed steps: %v", sequence.ID, err)
			continue
		}
		for i, step := range steps {
			recipient := contact.Email
			if step.Channel == "sms" {
				recipient = contact.Phone
			}
			if recipient == "" {
				log.Printf("followups: sequence %s step %d: no %s contact for %s", sequence.ID, i+1, step.Channel, sourceID)
				continue
			}

			body := renderFollowUpText(step.Body, contact, business)
			subject := ""
			if step.Channel == "email" {
				subject = renderFollowUpText(step.Subject, contact, business)
				html, err := email.RenderFollowUp(business.Name, body)
				if err != nil {
					log.Printf("followups: render step %d of %s: %v", i+1, sequence.ID, err)
					continue
				}
				body = html
			}

			nextAt := s.now().Add(time.Duration(step.DelayMinutes) * time.Minute)
			if step.Channel == "sms" {
				nextAt = outbox.NextAllowedTime(nextAt, business.Timezone, business.QuietStartMinute, business.QuietEndMinute)
			}
			dedupe := fmt.Sprintf("followup:%s:%d:%s", sequence.ID, i+1, sourceID)
			enqueued, err := s.store.EnqueueMessage(ctx, store.OutboxMessage{
				ID:            util.NewID("msg"),
				BusinessID:    business.ID,
				Channel:       step.Channel,
				Recipient:     recipient,
				Subject:       subject,
				Body:          body,
				Kind:          "follow_up",
				SourceID:      sourceID,
				DedupeKey:     &dedupe,
				NextAttemptAt: nextAt,
			})
			if err != nil {
				log.Printf("followups: enqueue step %d of %s: %v", i+1, sequence.ID, err)
				continue
			}
			if !enqueued {
				log.Printf("followups: step %d of %s already queued for %s", i+1, sequence.ID, sourceID)
			}
		}
	}
}

func (s *Service) sequenceScoped(ctx context.Context, session Session, sequenceID string) (store.FollowUpSequence, error) {
	sequence, err := s.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return store.FollowUpSequence{}, err
	}
	if sequence.BusinessID != session.BusinessID {
		return store.FollowUpSequence{}, sql.ErrNoRows
	}
	return sequence, nil
}

// validateSequenceInput checks a sequence definition and returns its steps
// as canonical JSON.
func validateSequenceInput(input *SequenceInput) (string, error) {
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" || len(input.Name) > 120 {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must be 1-120 characters", nil)
	}
	if !sequenceTriggers[input.Trigger] {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "trigger must be booking_completed or form_submitted", map[string]string{"trigger": input.Trigger})
	}
	if len(input.Steps) == 0 || len(input.Steps) > maxSequenceSteps {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("a sequence needs 1-%d steps", maxSequenceSteps), nil)
	}
	for i := range input.Steps {
		step := &input.Steps[i]
		if step.DelayMinutes < 0 || step.DelayMinutes > 90*24*60 {
			return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("step %d: delayMinutes must be between 0 and 129600", i+1), nil)
		}
		if step.Channel != "sms" && step.Channel != "email" {
			return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("step %d: channel must be sms or email", i+1), nil)
		}
		step.Body = strings.TrimSpace(step.Body)
		if step.Body == "" || len(step.Body) > 2000 {
			return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("step %d: body must be 1-2000 characters", i+1), nil)
		}
		step.Subject = strings.TrimSpace(step.Subject)
		if step.Channel == "email" && step.Subject == "" {
			return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("step %d: email steps need a subject", i+1), nil)
		}
	}
	encoded, err := json.Marshal(input.Steps)
	if err != nil {
		return "", fmt.Errorf("encode steps: %w", err)
	}
	return string(encoded), nil
}

// renderFollowUpText fills the step placeholders. {{link}} is the untracked
// business review URL; follow-ups carry no per-recipient token. Unknown
// placeholders pass through untouched.
func renderFollowUpText(text string, contact sequenceContact, business store.Business) string {
	name := contact.Name
	if strings.TrimSpace(name) == "" {
		name = "there"
	}
	service := contact.Service
	if strings.TrimSpace(service) == "" {
		service = "your visit"
	}
	replacer := strings.NewReplacer(
		"{{name}}", name,
		"{{business}}", business.Name,
		"{{service}}", service,
		"{{link}}", business.ReviewURL,
	)
	return replacer.Replace(text)
}

func sequencePayload(sequence store.FollowUpSequence) (map[string]any, error) {
	var steps []SequenceStep
	if err := json.Unmarshal([]byte(sequence.Steps), &steps); err != nil {
		return nil, fmt.Errorf("decode sequence steps: %w", err)
	}
	return map[string]any{
		"id":        sequence.ID,
		"name":      sequence.Name,
		"trigger":   sequence.Trigger,
		"active":    sequence.Active,
		"steps":     steps,
		"createdAt": sequence.CreatedAt,
		"updatedAt": sequence.UpdatedAt,
	}, nil
}
