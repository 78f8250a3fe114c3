package models

import (
	"sort"
	"time"
)

type AgendaStatus string

const (
	StatusFree AgendaStatus = "FREE"
	StatusBusy AgendaStatus = "BUSY"
)

// AgendaEntry is one slot of a user's day. BUSY entries always point at the meeting that caused them.
type AgendaEntry struct {
	ID        int64        `json:"id,omitempty" db:"id"`
	UserID    int64        `json:"userId" db:"user_id"`
	MeetingID *int64       `json:"meetingId,omitempty" db:"meeting_id"`
	Date      Date         `json:"date" db:"date"`
	StartTime time.Time    `json:"startTime" db:"start_at"`
	EndTime   time.Time    `json:"endTime" db:"end_at"`
	Status    AgendaStatus `json:"status" db:"status"`
}

func (e AgendaEntry) Range() TimeRange {
	return TimeRange{Start: e.StartTime, End: e.EndTime}
}

func (e AgendaEntry) Busy() bool {
	return e.Status == StatusBusy
}

// BelongsTo reports whether the entry was caused by the given meeting.
func (e AgendaEntry) BelongsTo(meetingID int64) bool {
	return e.MeetingID != nil && *e.MeetingID == meetingID
}

func NewBusyEntry(userID int64, rng TimeRange, meetingID int64) AgendaEntry {
	id := meetingID
	return AgendaEntry{
		UserID:    userID,
		MeetingID: &id,
		Date:      rng.Date(),
		StartTime: rng.Start,
		EndTime:   rng.End,
		Status:    StatusBusy,
	}
}

func SortEntries(entries []AgendaEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Date != entries[j].Date {
			return entries[i].Date < entries[j].Date
		}
		return entries[i].StartTime.Before(entries[j].StartTime)
	})
}

// FreeSlots fills the gaps between BUSY entries inside window with FREE entries.
func FreeSlots(userID int64, window TimeRange, entries []AgendaEntry) []AgendaEntry {
	busy := make([]AgendaEntry, 0, len(entries))
	for _, e := range entries {
		if e.Busy() && e.Range().Overlaps(window) {
			busy = append(busy, e)
		}
	}
	SortEntries(busy)
	free := make([]AgendaEntry, 0, len(busy)+1)
	cursor := window.Start
	emit := func(end time.Time) {
		if end.After(cursor) {
			free = append(free, AgendaEntry{
				UserID:    userID,
				Date:      DateOf(cursor),
				StartTime: cursor,
				EndTime:   end,
				Status:    StatusFree,
			})
		}
	}
	for _, b := range busy {
		emit(b.StartTime)
		if b.EndTime.After(cursor) {
			cursor = b.EndTime
		}
	}
	emit(window.End)
	return free
}
