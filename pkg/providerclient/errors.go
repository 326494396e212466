package providerclient

import (
	"errors"
	"fmt"
)

type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error (%d): %s", e.Status, e.Message)
}

// ErrNotFound is returned when the provider has no such resource.
var ErrNotFound = errors.New("resource not found")
