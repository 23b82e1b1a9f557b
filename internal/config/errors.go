package config

import "fmt"

// ConfigError reports an invalid or unreadable configuration file.
type ConfigError struct {
	Path    string
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Path != "" && e.Field != "":
		return fmt.Sprintf("config %s: %s: %s", e.Path, e.Field, msg)
	case e.Path != "":
		return fmt.Sprintf("config %s: %s", e.Path, msg)
	default:
		return fmt.Sprintf("config: %s", msg)
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError for the given file.
func NewConfigError(path string, err error) *ConfigError {
	return &ConfigError{Path: path, Err: err}
}

// WithField attaches the offending field or section.
func (e *ConfigError) WithField(field string) *ConfigError {
	e.Field = field
	return e
}

// WithMessage overrides the rendered message.
func (e *ConfigError) WithMessage(msg string) *ConfigError {
	e.Message = msg
	return e
}
