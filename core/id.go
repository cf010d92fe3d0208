package core

import "github.com/google/uuid"

// NewID generates a unique identifier used for tasks, requests and events.
func NewID() string { return uuid.NewString() }
