package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"github.com/kursadbilgin/doctoral-alerts/internal/service"
)

type EvaluationRunner interface {
	Run(ctx context.Context, now time.Time) (service.RunReport, error)
}

// RegisterEvaluationRoutes exposes a manual trigger for the evaluation cycle.
// The optional "at" query (RFC3339) evaluates as of that instant.
func RegisterEvaluationRoutes(router fiber.Router, runner EvaluationRunner, now func() time.Time) error {
	if runner == nil {
		return fmt.Errorf("evaluation runner is required")
	}
	if now == nil {
		now = time.Now
	}

	router.Group("/v1").Post("/evaluations", func(c *fiber.Ctx) error {
		at := now()
		if raw := strings.TrimSpace(c.Query("at")); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return toHTTPError(fmt.Errorf("%w: at must be RFC3339", domain.ErrValidation))
			}
			at = parsed
		}

		report, err := runner.Run(c.Context(), at)
		if err != nil {
			return toHTTPError(err)
		}
		if report.Skipped {
			return c.Status(fiber.StatusConflict).JSON(report)
		}
		return c.Status(fiber.StatusOK).JSON(report)
	})

	return nil
}
