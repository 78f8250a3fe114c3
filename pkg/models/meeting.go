package models

import (
	"fmt"
	"sort"
	"time"
)

type MeetingRequest struct {
	Title          *string    `json:"title" validate:"required"`
	Description    *string    `json:"description"`
	StartTime      *time.Time `json:"startTime" validate:"required"`
	EndTime        *time.Time `json:"endTime" validate:"required"`
	OrganizerID    *int64     `json:"organizerId" validate:"required,gt=0"`
	ParticipantIDs []int64    `json:"participantIds" validate:"omitempty,dive,gt=0"`
}

type Meeting struct {
	ID             int64     `json:"id" db:"id"`
	Title          string    `json:"title" db:"title"`
	Description    *string   `json:"description,omitempty" db:"description"`
	StartTime      time.Time `json:"startTime" db:"start_at"`
	EndTime        time.Time `json:"endTime" db:"end_at"`
	OrganizerID    int64     `json:"organizerId" db:"organizer_id"`
	ParticipantIDs []int64   `json:"participantIds" db:"-"`
	Version        int64     `json:"version" db:"version"`
	Reminded       bool      `json:"-" db:"reminded"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" db:"updated_at"`
}

func (m Meeting) Range() TimeRange {
	return TimeRange{Start: m.StartTime, End: m.EndTime}
}

// Attendees returns the organizer and participants, sorted ascending.
func (m Meeting) Attendees() []int64 {
	out := make([]int64, 0, len(m.ParticipantIDs)+1)
	if m.OrganizerID != 0 {
		out = append(out, m.OrganizerID)
	}
	out = append(out, m.ParticipantIDs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m Meeting) HasAttendee(userID int64) bool {
	if m.OrganizerID == userID {
		return true
	}
	for _, id := range m.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone copies the meeting so the participant slice is not shared.
func (m Meeting) Clone() Meeting {
	c := m
	c.ParticipantIDs = append(make([]int64, 0, len(m.ParticipantIDs)), m.ParticipantIDs...)
	if m.Description != nil {
		d := *m.Description
		c.Description = &d
	}
	return c
}

// ToMeeting checks the request shape and builds the meeting it describes.
func (r MeetingRequest) ToMeeting() (Meeting, error) {
	if r.Title == nil || *r.Title == "" {
		return Meeting{}, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if r.StartTime == nil || r.EndTime == nil {
		return Meeting{}, fmt.Errorf("%w: start and end are required", ErrInvalidRange)
	}
	if r.OrganizerID == nil || *r.OrganizerID <= 0 {
		return Meeting{}, fmt.Errorf("%w: organizer is required", ErrValidation)
	}
	rng, err := NewTimeRange(*r.StartTime, *r.EndTime)
	if err != nil {
		return Meeting{}, err
	}
	m := Meeting{
		Title:          *r.Title,
		Description:    r.Description,
		StartTime:      rng.Start,
		EndTime:        rng.End,
		OrganizerID:    *r.OrganizerID,
		ParticipantIDs: append(make([]int64, 0, len(r.ParticipantIDs)), r.ParticipantIDs...),
	}
	if err = m.Validate(); err != nil {
		return Meeting{}, err
	}
	return m, nil
}

// Validate enforces the intra-record invariants of a meeting.
func (m Meeting) Validate() error {
	if m.Title == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if m.OrganizerID <= 0 {
		return fmt.Errorf("%w: organizer is required", ErrValidation)
	}
	rng := m.Range()
	if err := rng.Validate(); err != nil {
		return err
	}
	if !rng.SingleDay() {
		return fmt.Errorf("%w: meeting %s spans more than one day", ErrInvalidRange, rng)
	}
	seen := make(map[int64]struct{}, len(m.ParticipantIDs))
	for _, id := range m.ParticipantIDs {
		if id <= 0 {
			return fmt.Errorf("%w: bad participant id %d", ErrValidation, id)
		}
		if id == m.OrganizerID {
			return fmt.Errorf("%w: organizer %d is listed as participant", ErrValidation, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate participant %d", ErrValidation, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
