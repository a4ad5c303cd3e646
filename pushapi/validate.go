package pushapi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pushline/pushline/internal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		d := sl.Current().Interface().(internal.PushDraft)
		if d.Type == internal.PushTypeNote && d.Title == "" && d.Body == "" {
			sl.ReportError(d.Title, "Title", "title", "title_or_body", "")
		}
	}, internal.PushDraft{})
	return v
}

// ValidateDraft checks that a draft can be sent: notes need a title or a body and links need a
// URL.
func ValidateDraft(d internal.PushDraft) error {
	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	reasons := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "title_or_body":
			reasons = append(reasons, "a note needs a title or a body")
		case "required_if", "required":
			reasons = append(reasons, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
		case "url":
			reasons = append(reasons, fmt.Sprintf("%q is not a valid url", fe.Value()))
		default:
			reasons = append(reasons, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid push: %s", strings.Join(reasons, ", "))
}
