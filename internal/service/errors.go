package service

import (
	"errors"

	"github.com/sandeepkv93/keygate/internal/domain"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrRateLimited      = errors.New("rate limited")
	ErrFull             = errors.New("keysystem full")
	ErrAntiBypass       = errors.New("anti-bypass triggered")
	ErrInvalidToken     = errors.New("invalid session token")
	ErrTokenExpired     = errors.New("session token expired")
	ErrUpstream         = errors.New("upstream provider error")
	ErrInvalidOperation = domain.ErrInvalidOperation
	ErrInternal         = errors.New("internal error")
)
