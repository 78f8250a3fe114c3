// Package ics renders a user's agenda as an iCalendar feed.
package ics

import (
	"fmt"
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/pershin-daniil/agenda/pkg/models"
)

const productID = "-//pershin-daniil//agenda//EN"

// UID identifies the event of a meeting. It is stable across updates so calendar clients replace the event.
func UID(meetingID int64) string {
	return fmt.Sprintf("meeting-%d@agenda", meetingID)
}

// Export writes one VEVENT per BUSY entry. Meeting details come from meetings; an entry whose meeting is
// missing is still exported with a generic summary.
func Export(entries []models.AgendaEntry, meetings []models.Meeting, stamp time.Time) string {
	byID := make(map[int64]models.Meeting, len(meetings))
	for _, m := range meetings {
		byID[m.ID] = m
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	for _, e := range entries {
		if !e.Busy() || e.MeetingID == nil {
			continue
		}
		event := cal.AddEvent(UID(*e.MeetingID))
		event.SetDtStampTime(stamp.UTC())
		event.SetStartAt(e.StartTime.UTC())
		event.SetEndAt(e.EndTime.UTC())

		m, ok := byID[*e.MeetingID]
		if !ok {
			event.SetSummary("Busy")
			continue
		}
		event.SetSummary(m.Title)
		if m.Description != nil {
			event.SetDescription(*m.Description)
		}
		event.SetCreatedTime(m.CreatedAt.UTC())
		event.SetModifiedAt(m.UpdatedAt.UTC())
		event.SetProperty(ical.ComponentPropertySequence, strconv.FormatInt(m.Version, 10))
		event.SetOrganizer(userURI(m.OrganizerID))
		for _, id := range m.ParticipantIDs {
			event.AddAttendee(userURI(id))
		}
	}
	return cal.Serialize()
}

func userURI(id int64) string {
	return fmt.Sprintf("urn:agenda:user:%d", id)
}
