package validations

import (
	"context"

	"github.com/AzielCF/az-dispatch/core/config"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

func ValidateCreateSession(ctx context.Context, request session.CreateRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.ExternalID, validation.Required, validation.Length(1, 128)),
		validation.Field(&request.Name, validation.Length(0, 100)),
		validation.Field(&request.RateLimitClass, validation.In(
			config.RateClassLow, config.RateClassStandard, config.RateClassHigh, config.RateClassBulk,
		)),
		validation.Field(&request.BaseURL, is.URL),
	)

	if err != nil {
		return pkgError.ValidationError(err.Error())
	}

	return nil
}
