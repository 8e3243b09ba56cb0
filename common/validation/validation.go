package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/stackbound/agentflow/common/models"
)

// Validator validates request payloads before they reach persistence.
// Structural violations surface as ErrBadRequest with a field list.
type Validator struct {
	validate *validator.Validate
}

// New creates a validator with enum checks registered.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterValidation("agentkind", func(fl validator.FieldLevel) bool {
		switch models.AgentKind(fl.Field().String()) {
		case models.AgentKindLLM, models.AgentKindRule, models.AgentKindAPI, models.AgentKindScript:
			return true
		}
		return false
	})

	v.RegisterValidation("risklevel", func(fl validator.FieldLevel) bool {
		switch models.RiskLevel(fl.Field().String()) {
		case models.RiskAuto, models.RiskApprovalRequired:
			return true
		}
		return false
	})

	v.RegisterValidation("triggertype", func(fl validator.FieldLevel) bool {
		switch models.TriggerType(fl.Field().String()) {
		case models.TriggerManual, models.TriggerEvent, models.TriggerSchedule, models.TriggerWebhook:
			return true
		}
		return false
	})

	v.RegisterValidation("decision", func(fl validator.FieldLevel) bool {
		s := models.ApprovalStatus(fl.Field().String())
		return s == models.ApprovalApproved || s == models.ApprovalRejected
	})

	return &Validator{validate: v}
}

// Check validates a request struct. The returned error wraps
// models.ErrBadRequest so handlers map it to HTTP 400.
func (v *Validator) Check(req any) error {
	err := v.validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", models.ErrBadRequest, err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}

	return fmt.Errorf("%w: invalid fields: %s", models.ErrBadRequest, strings.Join(fields, ", "))
}
