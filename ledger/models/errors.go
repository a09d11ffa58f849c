package models

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("invalid input")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrCardNotActive       = errors.New("card is not active")
	ErrAlreadyBlocked      = errors.New("card is already blocked")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("conflict")
)
