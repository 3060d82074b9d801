package slot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock is a wall-clock time of day in minutes since midnight.
type Clock int

// ParseClock accepts "HH:MM" and "HH:MM:SS" (seconds are ignored).
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	c := Clock(h*60 + m)
	if c > 24*60 {
		return 0, fmt.Errorf("clock %q past midnight", s)
	}
	return c, nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Clock) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// On places the clock on the given calendar day in loc.
func (c Clock) On(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, int(c)/60, int(c)%60, 0, 0, loc)
}

// Template is a recurring weekly availability window.
type Template struct {
	ID                  uuid.UUID    `json:"id"`
	InstitutionID       uuid.UUID    `json:"institution_id"`
	ProfessionalID      uuid.UUID    `json:"professional_id"`
	ServiceID           uuid.UUID    `json:"service_id"`
	RoomID              *uuid.UUID   `json:"room_id,omitempty"`
	DayOfWeek           time.Weekday `json:"day_of_week"`
	StartTime           Clock        `json:"start_time"`
	EndTime             Clock        `json:"end_time"`
	SlotDurationMinutes int          `json:"slot_duration_minutes"`
	IsActive            bool         `json:"is_active"`
}

// Booking is the slice of an appointment the generator needs.
type Booking struct {
	ProfessionalID uuid.UUID
	ScheduledAt    time.Time
	Status         string
}

// Occupies reports whether the booking still holds its time.
func (b Booking) Occupies() bool {
	return b.Status != "cancelado" && b.Status != "ausente"
}

// Slot is a generated bookable instant. It is never persisted.
type Slot struct {
	Datetime       time.Time  `json:"datetime"`
	ProfessionalID uuid.UUID  `json:"professional_id"`
	ServiceID      uuid.UUID  `json:"service_id"`
	RoomID         *uuid.UUID `json:"room_id,omitempty"`
	InstitutionID  uuid.UUID  `json:"institution_id"`
	TemplateID     uuid.UUID  `json:"template_id"`
	Available      bool       `json:"available"`
}

type DaySlots struct {
	Date  string `json:"date"`
	Slots []Slot `json:"slots"`
}

type Statistics struct {
	Total         int `json:"total_slots"`
	Available     int `json:"available_slots"`
	Occupied      int `json:"occupied_slots"`
	OccupancyRate int `json:"occupancy_rate"`
}
