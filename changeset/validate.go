package changeset

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/itellico/cachesync"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type proposeInput struct {
	EntityType string         `json:"entityType" validate:"required,max=64"`
	EntityID   string         `json:"entityId" validate:"required,max=128"`
	Changes    map[string]any `json:"changes" validate:"required,min=1,dive,keys,required,max=128,endkeys"`
	Operation  string         `json:"operation" validate:"oneof=create update"`
	Version    int64          `json:"version" validate:"min=0"`
}

func validateProposal(entityType, entityID string, changes map[string]any, op cachesync.Operation, version int64) error {
	in := proposeInput{
		EntityType: strings.TrimSpace(entityType),
		EntityID:   strings.TrimSpace(entityID),
		Changes:    changes,
		Operation:  string(op),
		Version:    version,
	}
	return toValidationError(validate.Struct(in))
}

func toValidationError(err error) error {
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return &cachesync.ValidationError{Field: "input", Reason: err.Error()}
	}
	out := &cachesync.ValidationError{Field: fieldName(ves[0]), Reason: reason(ves[0])}
	for _, fe := range ves[1:] {
		out.More = append(out.More, cachesync.FieldError{Field: fieldName(fe), Reason: reason(fe)})
	}
	return out
}

// fieldName drops the struct name: "proposeInput.changes[]" => "changes[]".
func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "min":
		if fe.Kind() == reflect.Map {
			return "at least one change is required"
		}
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return fmt.Sprintf("%q is not one of: %s", fe.Value(), fe.Param())
	}
	return "invalid (" + fe.Tag() + ")"
}
