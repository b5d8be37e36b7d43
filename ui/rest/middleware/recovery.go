package middleware

import (
	"errors"
	"fmt"

	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Recovery turns a panic inside a handler into a JSON error response.
func Recovery() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			logrus.Errorf("[REST] Panic recovered in %s %s: %v", ctx.Method(), ctx.Path(), rec)

			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("%v", rec)
			}
			_ = respond(ctx, err)
		}()

		return ctx.Next()
	}
}

// ErrorHandler is the fiber ErrorHandler. Typed errors keep their status and
// code; anything else is a 500.
func ErrorHandler(ctx *fiber.Ctx, err error) error {
	return respond(ctx, err)
}

func respond(ctx *fiber.Ctx, err error) error {
	res := utils.ResponseData{
		Status:  fiber.StatusInternalServerError,
		Code:    "INTERNAL_SERVER_ERROR",
		Message: err.Error(),
	}

	var fe *fiber.Error
	if ge, ok := pkgError.AsGeneric(err); ok {
		res.Status = ge.StatusCode()
		res.Code = ge.ErrCode()
	} else if errors.As(err, &fe) {
		res.Status = fe.Code
		res.Code = utils.StatusCode(fe.Code)
		res.Message = fe.Message
	}

	if res.Status >= fiber.StatusInternalServerError {
		logrus.WithFields(logrus.Fields{
			"method": ctx.Method(),
			"path":   ctx.Path(),
		}).WithError(err).Error("[REST] Request failed")
	}
	return ctx.Status(res.Status).JSON(res)
}
