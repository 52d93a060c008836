package auth

import "errors"

var (
	ErrEmptySecret       = errors.New("jwt secret cannot be empty")
	ErrUnexpectedMethod  = errors.New("unexpected signing method")
	ErrMissingSubject    = errors.New("token carries no user id")
	ErrInvalidUserID     = errors.New("token user id has an invalid format")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenNotYetUsable = errors.New("token used before its not-before time")
)
