package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline.
var (
	// ErrTransport marks a history or media fetch failure.
	ErrTransport = errors.New("transport failure")

	// ErrProvider marks a backend request failure.
	ErrProvider = errors.New("provider failure")

	// ErrStreamTimeout marks a streaming read that did not finish in time.
	ErrStreamTimeout = errors.New("stream timed out")

	// ErrPollTimeout marks a long-running backend operation that never reached a terminal state.
	ErrPollTimeout = errors.New("poll timed out")
)

// ConfigurationError reports missing or rejected credentials for a named provider.
// Its message is safe to show to the user.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s is not configured correctly: check its API key", e.Provider)
	}
	return fmt.Sprintf("%s is not configured correctly: %s", e.Provider, e.Reason)
}

// AsConfigurationError unwraps err into a ConfigurationError when possible.
func AsConfigurationError(err error) (*ConfigurationError, bool) {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
