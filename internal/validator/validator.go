package validator

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrInvalidEmail    = errors.New("invalid email")
	ErrInvalidUsername = errors.New("invalid username")
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidRating   = errors.New("rating must be between 1 and 5")
	ErrReasonTooShort  = errors.New("reason must be at least 10 characters")
	ErrInvalidCountry  = errors.New("invalid country code")
)

var (
	emailRegex    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,30}$`)
	countryRegex  = regexp.MustCompile(`^[A-Z]{2}$`)
)

func ValidateEmail(email string) error {
	if !emailRegex.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

func ValidateUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrInvalidPassword
	}
	return nil
}

func ValidateRating(rating int) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	return nil
}

func ValidateDisputeReason(reason string) error {
	if len(strings.TrimSpace(reason)) < 10 {
		return ErrReasonTooShort
	}
	return nil
}

func ValidateCountryCode(code string) error {
	if !countryRegex.MatchString(code) {
		return ErrInvalidCountry
	}
	return nil
}
