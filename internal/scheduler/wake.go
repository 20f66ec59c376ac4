package scheduler

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultRTCWakeAlarm is the Linux sysfs wake alarm of the first RTC.
const DefaultRTCWakeAlarm = "/sys/class/rtc/rtc0/wakealarm"

// WakeTimer asks the host to resume from suspend at a given time.
type WakeTimer interface {
	Arm(at time.Time) error
}

// NopWakeTimer does nothing.
type NopWakeTimer struct{}

func (NopWakeTimer) Arm(time.Time) error { return nil }

// RTCWakeTimer programs the RTC wake alarm through sysfs. The kernel rejects
// a new alarm while one is pending, so the alarm is cleared first.
type RTCWakeTimer struct {
	Path string
}

// NewRTCWakeTimer returns a wake timer writing to path, or the default RTC.
func NewRTCWakeTimer(path string) *RTCWakeTimer {
	if path == "" {
		path = DefaultRTCWakeAlarm
	}
	return &RTCWakeTimer{Path: path}
}

func (w *RTCWakeTimer) Arm(at time.Time) error {
	if err := os.WriteFile(w.Path, []byte("0"), 0o644); err != nil {
		return fmt.Errorf("clear wake alarm: %w", err)
	}
	if err := os.WriteFile(w.Path, []byte(strconv.FormatInt(at.Unix(), 10)), 0o644); err != nil {
		return fmt.Errorf("set wake alarm: %w", err)
	}
	return nil
}
