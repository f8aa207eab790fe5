// Package conversion maps fiat amounts to satoshis.
package conversion

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/satsettle/internal/domain"
)

var maxSats = decimal.NewFromInt(math.MaxInt64)

// ToSats returns floor(amount * rate). Both inputs must be positive.
func ToSats(amount, rate decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive, got %s", domain.ErrValidation, amount)
	}
	if !rate.IsPositive() {
		return 0, fmt.Errorf("%w: rate must be positive, got %s", domain.ErrValidation, rate)
	}
	sats := amount.Mul(rate).Floor()
	if sats.GreaterThan(maxSats) {
		return 0, fmt.Errorf("%w: %s sats overflows", domain.ErrValidation, sats)
	}
	return sats.IntPart(), nil
}

// Policy binds a configured rate (sats per fiat unit).
type Policy struct {
	Rate     decimal.Decimal
	Currency string
}

func NewPolicy(rate decimal.Decimal, currency string) (Policy, error) {
	if !rate.IsPositive() {
		return Policy{}, fmt.Errorf("%w: conversion rate must be positive", domain.ErrValidation)
	}
	return Policy{Rate: rate, Currency: currency}, nil
}

func (p Policy) Convert(amount decimal.Decimal) (int64, error) {
	return ToSats(amount, p.Rate)
}
