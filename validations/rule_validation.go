package validations

import (
	"context"
	"regexp"

	"github.com/AzielCF/az-dispatch/autoreply/domain"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var triggerTypes = []any{
	domain.TriggerKeyword, domain.TriggerContains, domain.TriggerExact, domain.TriggerRegex, domain.TriggerAll,
}

var compilablePattern = validation.By(func(value any) error {
	s, _ := value.(string)
	if _, err := regexp.Compile(s); err != nil {
		return validation.NewError("validation_is_regex", "must be a valid regular expression: "+err.Error())
	}
	return nil
})

func ValidateRule(ctx context.Context, request domain.RuleRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.Name, validation.Length(0, 100)),
		validation.Field(&request.TriggerType, validation.Required, validation.In(triggerTypes...)),
		validation.Field(&request.TriggerValue,
			validation.When(request.TriggerType != domain.TriggerAll, validation.Required),
			validation.Length(0, 500),
			validation.When(request.TriggerType == domain.TriggerRegex, compilablePattern),
		),
		validation.Field(&request.Priority, validation.Min(-1000), validation.Max(1000)),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	if err := ValidatePayload(ctx, request.Reply); err != nil {
		return pkgError.ValidationError("reply: " + err.Error())
	}
	return nil
}
