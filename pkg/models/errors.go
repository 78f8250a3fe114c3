package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrInvalidRange = fmt.Errorf("%w: invalid time range", ErrValidation)
	ErrConflict     = errors.New("conflict")
	ErrNotFound     = errors.New("not found")
	ErrBusy         = errors.New("resource busy, retry later")

	ErrMeetingNotFound = fmt.Errorf("meeting %w", ErrNotFound)
	ErrUserNotFound    = fmt.Errorf("user %w", ErrNotFound)
)

// ConflictError names the user whose BUSY entry collides with a requested range.
type ConflictError struct {
	UserID    int64
	Date      Date
	Requested TimeRange
	Existing  TimeRange
	MeetingID int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: user %d is busy on %s with meeting %d (%s), requested %s",
		ErrConflict, e.UserID, e.Date, e.MeetingID, e.Existing, e.Requested)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
