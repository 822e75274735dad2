package services

import (
	"context"
	"errors"
	"fmt"

	domain "finitefield.org/order-engine/internal/domain"
	"finitefield.org/order-engine/internal/repositories"
)

// mapRepositoryError converts persistence failures into domain errors. Typed domain errors
// raised inside a storage transaction pass through unchanged.
func mapRepositoryError(err error, op string) error {
	if err == nil {
		return nil
	}
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.CodeSystemError, "request canceled", err)
	}
	switch {
	case errors.Is(err, repositories.ErrCounterInvalidInput):
		return domain.NewError(domain.CodeValidation, "", fmt.Errorf("%s: %w", op, err))
	case errors.Is(err, repositories.ErrCounterExhausted):
		return domain.NewError(domain.CodeSystemError, "order number sequence exhausted", fmt.Errorf("%s: %w", op, err))
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return domain.NewError(domain.CodeNotFound, "", fmt.Errorf("%s: %w", op, err))
		case repoErr.IsConflict():
			return domain.NewError(domain.CodeVersionConflict, "", fmt.Errorf("%s: %w", op, err))
		case repoErr.IsUnavailable():
			return domain.NewError(domain.CodeSystemError, "storage temporarily unavailable", fmt.Errorf("%s: %w", op, err))
		}
	}
	return domain.NewError(domain.CodeSystemError, "", fmt.Errorf("%s: %w", op, err))
}

func validationError(format string, args ...any) error {
	return domain.Errorf(domain.CodeValidation, format, args...)
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return errors.Is(err, domain.ErrNotFound)
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
