package docker

import "errors"

// ErrNotFound is returned when the engine has no container for the given name
// or id. Idempotent cleanup paths (stop, remove) swallow it as success.
var ErrNotFound = errors.New("docker: container not found")
