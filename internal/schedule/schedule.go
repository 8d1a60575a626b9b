// Package schedule computes the scheduled brightness for a time of day.
// The curve has four regimes: a linear brighten ramp leading into the wake
// moment, a hold window at the wake target, a linear dim lead-in before the
// night window, and the night window itself. Everything else is baseline.
package schedule

import "time"

const minutesPerDay = 24 * 60

// Curve holds the per-room schedule parameters. All windows are expressed
// in local wall-clock time and wrap across midnight.
type Curve struct {
	WakeHour       int
	WakeMinute     int
	WakeBrightness uint8
	BrightenMin    int // ramp duration leading into the wake moment
	HoldMin        int // how long the wake target is held after the wake moment

	NightHour       int
	NightMinute     int
	NightBrightness uint8
	DimLeadMin      int // ramp duration leading into the night window

	Baseline uint8
}

// Default mirrors the firmware's factory schedule: ramp to full brightness
// over the 30 minutes before 07:00, hold for 20 minutes, lights-out night
// window from 22:00 with a 90 minute dim lead-in.
func Default() Curve {
	return Curve{
		WakeHour:        7,
		WakeMinute:      0,
		WakeBrightness:  100,
		BrightenMin:     30,
		HoldMin:         20,
		NightHour:       22,
		NightMinute:     0,
		NightBrightness: 0,
		DimLeadMin:      90,
		Baseline:        0,
	}
}

// BrightnessAt evaluates the curve at t. Pure function of the wall clock.
func (c Curve) BrightnessAt(t time.Time) uint8 {
	minute := t.Hour()*60 + t.Minute()
	wake := c.WakeHour*60 + c.WakeMinute
	night := c.NightHour*60 + c.NightMinute

	// Brighten ramp: the BrightenMin minutes before the wake moment,
	// climbing from the night level to the wake target.
	if c.BrightenMin > 0 {
		into := minutesInto(minute, wake-c.BrightenMin, c.BrightenMin)
		if into >= 0 {
			return ramp(c.NightBrightness, c.WakeBrightness, into, c.BrightenMin)
		}
	}

	// Hold window: wake target stays applied after the wake moment.
	if c.HoldMin > 0 && minutesInto(minute, wake, c.HoldMin) >= 0 {
		return c.WakeBrightness
	}

	// Dim lead-in: the DimLeadMin minutes before the night window,
	// descending from baseline to the night level.
	if c.DimLeadMin > 0 {
		into := minutesInto(minute, night-c.DimLeadMin, c.DimLeadMin)
		if into >= 0 {
			return ramp(c.Baseline, c.NightBrightness, into, c.DimLeadMin)
		}
	}

	// Night window: from the night moment until the brighten ramp starts.
	if inWrappedWindow(minute, night, wake-c.BrightenMin) {
		return c.NightBrightness
	}

	return c.Baseline
}

// DesiredAt maps the curve value to an on/off mode: any non-zero brightness
// means the light should be on.
func (c Curve) DesiredAt(t time.Time) (mode string, brightness uint8) {
	brightness = c.BrightnessAt(t)
	if brightness > 0 {
		return "on", brightness
	}
	return "off", 0
}

// minutesInto returns how far minute lies inside a window of length dur
// starting at start (both wrapped to the day), or -1 when outside.
func minutesInto(minute, start, dur int) int {
	start = wrap(start)
	offset := wrap(minute - start)
	if offset < dur {
		return offset
	}
	return -1
}

// inWrappedWindow reports whether minute falls in [start, end), with the
// window allowed to span midnight.
func inWrappedWindow(minute, start, end int) bool {
	start = wrap(start)
	end = wrap(end)
	if start == end {
		return false
	}
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// ramp interpolates linearly from from to to across a window of dur
// minutes, evaluated at offset into.
func ramp(from, to uint8, into, dur int) uint8 {
	if dur <= 0 {
		return to
	}
	delta := int(to) - int(from)
	return uint8(int(from) + delta*into/dur)
}

func wrap(minute int) int {
	minute %= minutesPerDay
	if minute < 0 {
		minute += minutesPerDay
	}
	return minute
}
