package models

import "time"

// SchedulePeriod is a named recurring window for one category of one user.
// Start and End are "HH:MM" clock times in the user's timezone.
type SchedulePeriod struct {
	Name     string         `json:"name" mapstructure:"name"`
	Category string         `json:"category" mapstructure:"category"`
	Start    string         `json:"start" mapstructure:"start"`
	End      string         `json:"end" mapstructure:"end"`
	Days     []time.Weekday `json:"days" mapstructure:"days"`
	Active   bool           `json:"active" mapstructure:"active"`
}

// UserSchedule maps category to the periods configured for it.
type UserSchedule struct {
	UserID  string                      `json:"user_id"`
	Periods map[string][]SchedulePeriod `json:"periods"`
}

// ActivePeriod names one period that is active now.
type ActivePeriod struct {
	Category string `json:"category"`
	Period   string `json:"period"`
	Day      string `json:"day"`
}
