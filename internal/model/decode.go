package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Message is the wire form of a job as published on the task queue.
type Message struct {
	JobID       string `json:"jobId" validate:"required"`
	CharacterID string `json:"characterId,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
	Action      Action `json:"action" validate:"required,oneof=create edit"`
	Message     string `json:"message,omitempty" validate:"required_if=Action create,excluded_if=Action edit"`
	ImageURL    string `json:"imageUrl,omitempty" validate:"required_if=Action edit,excluded_if=Action create"`
	EditRequest string `json:"editRequest,omitempty" validate:"required_if=Action edit,excluded_if=Action create"`
	CallbackURL string `json:"callbackUrl,omitempty" validate:"omitempty,url"`
}

// ValidationError reports a malformed or semantically invalid job. It is
// never retryable.
type ValidationError struct {
	// Fields maps wire field names to the reason they were rejected.
	Fields map[string]string
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		if e.Err != nil {
			return "invalid job: " + e.Err.Error()
		}
		return "invalid job"
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + " " + e.Fields[name]
	}
	return "invalid job: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is, or wraps, a ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses a raw queue message into a Job. Every failure is a
// *ValidationError.
func Decode(raw []byte) (Job, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Job{}, &ValidationError{Err: fmt.Errorf("decode json: %w", err)}
	}
	return m.Job()
}

// Job validates the message and converts it into the tagged Job form.
func (m Message) Job() (Job, error) {
	m.normalize()

	if err := validate.Struct(m); err != nil {
		return Job{}, validationError(err)
	}
	if m.Action == ActionEdit {
		if err := validate.Var(m.ImageURL, "url"); err != nil {
			return Job{}, &ValidationError{Fields: map[string]string{"imageUrl": "must be a valid URL"}, Err: err}
		}
	}

	job := Job{
		ID:          m.JobID,
		CharacterID: m.CharacterID,
		ProjectID:   m.ProjectID,
		CallbackURL: m.CallbackURL,
	}
	switch m.Action {
	case ActionCreate:
		job.Task = CreateTask{Message: m.Message}
	case ActionEdit:
		job.Task = EditTask{ImageURL: m.ImageURL, EditRequest: m.EditRequest}
	}
	return job, nil
}

func (m *Message) normalize() {
	m.JobID = strings.TrimSpace(m.JobID)
	m.CharacterID = strings.TrimSpace(m.CharacterID)
	m.ProjectID = strings.TrimSpace(m.ProjectID)
	m.Action = Action(strings.ToLower(strings.TrimSpace(string(m.Action))))
	m.Message = strings.TrimSpace(m.Message)
	m.ImageURL = strings.TrimSpace(m.ImageURL)
	m.EditRequest = strings.TrimSpace(m.EditRequest)
	m.CallbackURL = strings.TrimSpace(m.CallbackURL)
}

// MessageFor converts a job back to its wire form.
func MessageFor(job Job) Message {
	m := Message{
		JobID:       job.ID,
		CharacterID: job.CharacterID,
		ProjectID:   job.ProjectID,
		Action:      job.Action(),
		CallbackURL: job.CallbackURL,
	}
	switch t := job.Task.(type) {
	case CreateTask:
		m.Message = t.Message
	case EditTask:
		m.ImageURL = t.ImageURL
		m.EditRequest = t.EditRequest
	}
	return m
}

func validationError(err error) error {
	verr := &ValidationError{Fields: map[string]string{}, Err: err}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return verr
	}
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required", "required_if":
			verr.Fields[fe.Field()] = "is required"
		case "excluded_if":
			verr.Fields[fe.Field()] = "is not allowed for this action"
		case "oneof":
			verr.Fields[fe.Field()] = "must be one of: " + fe.Param()
		case "url":
			verr.Fields[fe.Field()] = "must be a valid URL"
		default:
			verr.Fields[fe.Field()] = "invalid value"
		}
	}
	return verr
}
