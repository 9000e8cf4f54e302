package host

import "errors"

var (
	// ErrAlreadyExists is returned by Registry.Add when the server name is taken.
	ErrAlreadyExists = errors.New("server already exists")

	// ErrNotFound is returned by Registry.Remove when no server has the name.
	ErrNotFound = errors.New("server not found")

	// ErrUnknownTool is returned when a catalog id doesn't name a tool of the current catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidEndpoint reports an endpoint that sets both, or neither, of a command and a URL.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)
