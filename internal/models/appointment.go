package models

import (
	"sort"
	"time"
)

// AppointmentSlot is one booked date+time.
type AppointmentSlot struct {
	ID          string    `json:"id"`
	Date        string    `json:"date"` // YYYY-MM-DD
	Time        string    `json:"time"` // HH:MM, minute in {00,30}
	ContactID   string    `json:"contact_id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// SortSlots orders slots of a single day by time ascending.
func SortSlots(slots []AppointmentSlot) {
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].Time < slots[j].Time })
}

// BusinessHours describes when appointments may be booked.
type BusinessHours struct {
	Start          string `json:"start"`       // HH:MM inclusive
	End            string `json:"end"`         // HH:MM exclusive
	ActiveDays     []int  `json:"active_days"` // time.Weekday numbers, 0 = Sunday
	OfflineMessage string `json:"offline_message"`
}

// IsActiveDay reports whether the weekday is a working day.
func (b BusinessHours) IsActiveDay(d time.Weekday) bool {
	for _, n := range b.ActiveDays {
		if time.Weekday(n) == d {
			return true
		}
	}
	return false
}

// IsOpen reports whether the given wall-clock instant falls inside business hours.
func (b BusinessHours) IsOpen(t time.Time) bool {
	if !b.IsActiveDay(t.Weekday()) {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	return m >= MinuteOfDay(b.Start) && m < MinuteOfDay(b.End)
}

// ReminderConfig drives the daily reminder sweep.
type ReminderConfig struct {
	Active      bool   `json:"active"`
	FireTime    string `json:"fire_time"`     // HH:MM in the target timezone
	TargetStep  string `json:"target_step"`   // FlowStep id emitted to each contact
	LastRunDate string `json:"last_run_date"` // YYYY-MM-DD of the last completed sweep
}

// ScheduleConfig is the process-wide schedule configuration.
type ScheduleConfig struct {
	BusinessHours BusinessHours  `json:"business_hours"`
	Reminder      ReminderConfig `json:"reminder"`
}

// DefaultScheduleConfig is used when nothing is stored or the stored value is unreadable.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		BusinessHours: BusinessHours{
			Start:          "09:00",
			End:            "18:00",
			ActiveDays:     []int{1, 2, 3, 4, 5, 6},
			OfflineMessage: "Nuestro horario de atención terminó, te responderemos en cuanto abramos.",
		},
		Reminder: ReminderConfig{
			Active:     false,
			FireTime:   "08:00",
			TargetStep: "RECORDATORIO",
		},
	}
}
