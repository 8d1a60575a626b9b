package actuator

import "github.com/rs/zerolog/log"

// Output receives the applied desired state. Implementations drive whatever
// stands in for the room light (PWM hardware, a relay bridge, a simulator).
// Mode "off" must drive output to zero regardless of brightness.
type Output interface {
	Apply(mode string, brightness uint8)
}

// OutputFunc adapts a function to the Output interface.
type OutputFunc func(mode string, brightness uint8)

func (f OutputFunc) Apply(mode string, brightness uint8) { f(mode, brightness) }

// LogOutput logs applied states instead of driving hardware. Used when no
// real output is wired.
type LogOutput struct{}

func (LogOutput) Apply(mode string, brightness uint8) {
	level := brightness
	if mode != "on" {
		level = 0
	}
	log.Info().Str("mode", mode).Uint8("brightness", level).Msg("Output applied")
}
