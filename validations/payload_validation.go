package validations

import (
	"context"
	"fmt"

	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const maxTextLength = 4096

var contentTypes = []any{
	channel.ContentText, channel.ContentImage, channel.ContentVideo,
	channel.ContentAudio, channel.ContentDocument, channel.ContentSticker,
}

// payloadRules is shared by one-off sends, campaigns and auto-reply rules.
func payloadRules(p *channel.Payload) []*validation.FieldRules {
	isText := p.ContentType == "" || p.ContentType == channel.ContentText
	return []*validation.FieldRules{
		validation.Field(&p.ContentType, validation.In(contentTypes...)),
		validation.Field(&p.Text,
			validation.When(isText, validation.Required),
			validation.Length(0, maxTextLength),
		),
		validation.Field(&p.Media, validation.When(!isText, validation.Required)),
	}
}

func validatePayload(ctx context.Context, p channel.Payload) error {
	if err := validation.ValidateStructWithContext(ctx, &p, payloadRules(&p)...); err != nil {
		return err
	}
	if p.Media != nil {
		m := p.Media
		if err := validation.ValidateStructWithContext(ctx, m,
			validation.Field(&m.URL, validation.Required, is.URL),
			validation.Field(&m.Caption, validation.Length(0, 1024)),
		); err != nil {
			return fmt.Errorf("media: %w", err)
		}
	}
	return nil
}

func ValidatePayload(ctx context.Context, p channel.Payload) error {
	if err := validatePayload(ctx, p); err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return nil
}

type SendRequest struct {
	Recipient string          `json:"recipient"`
	Payload   channel.Payload `json:"payload"`
}

func ValidateSend(ctx context.Context, request SendRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.Recipient, validation.Required, validation.Length(1, 64)),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return ValidatePayload(ctx, request.Payload)
}
