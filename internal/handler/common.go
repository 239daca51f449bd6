package handler

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/transport"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100

	reviewerHeader = "X-Reviewer-ID"
)

var validate = validator.New()

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

// bindJSON parses the body into req and runs its validate tags.
func bindJSON(c *fiber.Ctx, req any) error {
	if err := c.BodyParser(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fields []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(fields, "; "))
}

func reviewerID(c *fiber.Ctx) (string, error) {
	id := strings.TrimSpace(c.Get(reviewerHeader))
	if id == "" {
		return "", fmt.Errorf("%w: %s header is required", domain.ErrValidation, reviewerHeader)
	}
	return id, nil
}

func toHTTPError(err error) error {
	code := transport.StatusFromError(err)
	if code >= fiber.StatusInternalServerError {
		return err
	}
	return fiber.NewError(code, err.Error())
}
