package resnet

import (
	"errors"
	"fmt"
)

// ErrConfiguration is the sentinel every *ConfigurationError unwraps to
var ErrConfiguration = errors.New("resnet: invalid configuration")

// ConfigurationError reports a NetworkConfig that cannot be built. It is
// returned before any layer is created.
type ConfigurationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("resnet: invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}
