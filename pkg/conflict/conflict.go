// Package conflict detects double-booking in a user's agenda for a single day.
package conflict

import (
	"github.com/pershin-daniil/agenda/pkg/models"
)

// Check returns the first BUSY entry that overlaps candidate, ignoring entries caused by excludeMeetingID
// (zero excludes nothing). ok is false when the candidate fits.
func Check(entries []models.AgendaEntry, candidate models.TimeRange, excludeMeetingID int64) (models.AgendaEntry, bool, error) {
	if err := candidate.Validate(); err != nil {
		return models.AgendaEntry{}, false, err
	}
	var (
		found models.AgendaEntry
		ok    bool
	)
	for _, e := range entries {
		if !e.Busy() {
			continue
		}
		if excludeMeetingID != 0 && e.BelongsTo(excludeMeetingID) {
			continue
		}
		if !e.Range().Overlaps(candidate) {
			continue
		}
		if !ok || e.StartTime.Before(found.StartTime) {
			found, ok = e, true
		}
	}
	return found, ok, nil
}

// Error builds the conflict error reported for userID when candidate collides with existing.
func Error(userID int64, candidate models.TimeRange, existing models.AgendaEntry) error {
	var meetingID int64
	if existing.MeetingID != nil {
		meetingID = *existing.MeetingID
	}
	return &models.ConflictError{
		UserID:    userID,
		Date:      candidate.Date(),
		Requested: candidate,
		Existing:  existing.Range(),
		MeetingID: meetingID,
	}
}
