package build

// ConfigError reports a request that cannot be built as configured, such as
// an image kind the host architecture does not support.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
