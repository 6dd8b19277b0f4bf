package main

import (
	"errors"

	apperrors "github.com/odvcencio/nodelink/pkg/errors"
)

const (
	exitGeneral     = 1
	exitConfig      = 2
	exitNotPaired   = 3
	exitUnreachable = 4
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
		return exitGeneral
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

// exitCodeForError prefers an explicit exit code and otherwise derives one
// from the error code carried by err.
func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeConfigLoad, apperrors.ErrCodeConfigParse, apperrors.ErrCodeConfigInvalid:
		return exitConfig
	case apperrors.ErrCodePairingFailed:
		return exitNotPaired
	case apperrors.ErrCodeTransport, apperrors.ErrCodeConnectionClosed, apperrors.ErrCodeNotConnected:
		return exitUnreachable
	}
	return exitGeneral
}
