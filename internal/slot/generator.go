package slot

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

type bookingKey struct {
	professional uuid.UUID
	minute       int64
}

func keyFor(professional uuid.UUID, t time.Time) bookingKey {
	return bookingKey{professional: professional, minute: t.Unix() / 60}
}

// Generate expands templates into slots for every calendar day between from
// and to (both inclusive, taken as dates in loc). Each template yields
// instants from its start time in steps of its duration; a trailing window
// shorter than the duration is dropped. A slot is unavailable when an
// occupying booking exists for the same professional at the same minute.
//
// Overlapping templates are not merged, so the same professional can appear
// twice at one instant.
func Generate(from, to time.Time, loc *time.Location, institutionID uuid.UUID, templates []Template, bookings []Booking) []DaySlots {
	if loc == nil {
		loc = time.UTC
	}

	taken := make(map[bookingKey]struct{}, len(bookings))
	for _, b := range bookings {
		if b.Occupies() {
			taken[keyFor(b.ProfessionalID, b.ScheduledAt)] = struct{}{}
		}
	}

	fy, fm, fd := from.In(loc).Date()
	ty, tm, td := to.In(loc).Date()
	day := time.Date(fy, fm, fd, 0, 0, 0, 0, loc)
	last := time.Date(ty, tm, td, 0, 0, 0, 0, loc)

	var out []DaySlots
	for !day.After(last) {
		out = append(out, DaySlots{
			Date:  day.Format(dateLayout),
			Slots: forDay(day, loc, institutionID, templates, taken),
		})
		y, m, d := day.Date()
		day = time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	}
	return out
}

func forDay(day time.Time, loc *time.Location, institutionID uuid.UUID, templates []Template, taken map[bookingKey]struct{}) []Slot {
	y, m, d := day.Date()
	slots := []Slot{}

	for _, tpl := range templates {
		if !tpl.IsActive || tpl.DayOfWeek != day.Weekday() || tpl.SlotDurationMinutes <= 0 {
			continue
		}

		step := Clock(tpl.SlotDurationMinutes)
		for start := tpl.StartTime; start+step <= tpl.EndTime; start += step {
			at := start.On(y, m, d, loc)
			_, busy := taken[keyFor(tpl.ProfessionalID, at)]
			slots = append(slots, Slot{
				Datetime:       at,
				ProfessionalID: tpl.ProfessionalID,
				ServiceID:      tpl.ServiceID,
				RoomID:         tpl.RoomID,
				InstitutionID:  institutionID,
				TemplateID:     tpl.ID,
				Available:      !busy,
			})
		}
	}

	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].Datetime.Before(slots[j].Datetime)
	})
	return slots
}

// Available keeps only the free slots, dropping days left empty.
func Available(days []DaySlots) []DaySlots {
	var out []DaySlots
	for _, d := range days {
		var free []Slot
		for _, s := range d.Slots {
			if s.Available {
				free = append(free, s)
			}
		}
		if len(free) > 0 {
			out = append(out, DaySlots{Date: d.Date, Slots: free})
		}
	}
	return out
}

func Stats(days []DaySlots) Statistics {
	var st Statistics
	for _, d := range days {
		for _, s := range d.Slots {
			st.Total++
			if s.Available {
				st.Available++
			} else {
				st.Occupied++
			}
		}
	}
	if st.Total > 0 {
		st.OccupancyRate = int(math.Round(float64(st.Occupied) / float64(st.Total) * 100))
	}
	return st
}
