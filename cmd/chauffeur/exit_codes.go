package main

import (
	"errors"

	apperrors "github.com/odvcencio/chauffeur/pkg/errors"
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return 1
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

// exitCodeForError keeps scripted callers honest: usage mistakes exit 2,
// connectivity problems 3, deadlines 4, everything else 1.
func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	switch {
	case apperrors.IsCode(err, apperrors.ErrCodeInvalidInput),
		apperrors.IsCode(err, apperrors.ErrCodeInvalidOperation),
		apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid),
		apperrors.IsCode(err, apperrors.ErrCodeConfigLoad):
		return 2
	case apperrors.IsCode(err, apperrors.ErrCodeTransportClosed):
		return 3
	case apperrors.IsCode(err, apperrors.ErrCodeTimeout):
		return 4
	}
	return 1
}
