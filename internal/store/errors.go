package store

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coinpool/capital-engine/internal/model"
)

// persistenceErr tags a driver or context failure as ErrPersistence while
// keeping the cause inspectable with errors.Is.
func persistenceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, model.ErrPersistence, err)
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: got %s", model.ErrInvalidAmount, amount)
	}
	return nil
}
