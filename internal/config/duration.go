package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration in configuration files. It is written as a Go
// duration string ("30s", "5m"); a bare integer is read as seconds and an
// empty string as zero.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if value.Tag == "!!int" {
		secs, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var parsed time.Duration
	if value.Value != "" {
		var err error
		if parsed, err = time.ParseDuration(value.Value); err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration().String(), nil
}

// Duration converts d to a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }
