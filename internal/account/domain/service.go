package domain

import (
	"context"
	"errors"
)

type CreateUserRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type Service interface {
	Create(ctx context.Context, req CreateUserRequest) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}

var (
	ErrInvalidEmail = errors.New("invalid_email")
	ErrInvalidID    = errors.New("invalid_id")
	ErrNotFound     = errors.New("not_found")
	ErrEmailTaken   = errors.New("email_taken")
)
