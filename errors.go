package clientagent

import "fmt"

// FileConfigError is returned from [LoadFileConfig]
// when the file cannot be read, decoded or validated.
type FileConfigError struct {
	Path string
	Err  error
}

func (e FileConfigError) Error() string {
	return fmt.Sprintf("invalid config file %s: %v", e.Path, e.Err)
}

func (e FileConfigError) Unwrap() error {
	return e.Err
}
