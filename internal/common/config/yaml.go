package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration read from YAML as either a Go duration string
// ("30s", "1m30s") or a bare integer number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var seconds int64
	if err := unmarshal(&seconds); err == nil {
		if seconds < 0 {
			return fmt.Errorf("duration %d must not be negative", seconds)
		}
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q must not be negative", s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration back in its string form
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ToDuration converts the custom Duration type back to time.Duration
func (d *Duration) ToDuration() time.Duration {
	return time.Duration(*d)
}
