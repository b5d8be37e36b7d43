package validations

import (
	"context"

	"github.com/AzielCF/az-dispatch/broadcast/domain"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const maxRecipients = 100000

func ValidateCreateCampaign(ctx context.Context, request domain.CreateRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.SessionID, validation.Required),
		validation.Field(&request.Name, validation.Required, validation.Length(1, 120)),
		validation.Field(&request.Recipients,
			validation.Required,
			validation.Length(1, maxRecipients),
			validation.Each(validation.Required, validation.Length(1, 64)),
		),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return ValidatePayload(ctx, request.Payload)
}
