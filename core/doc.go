// Package core defines the shared domain types of the orchestration layer:
// archetype descriptors, tasks and their lifecycle, the realtime event
// envelope, and the stable error kinds surfaced to clients. It has no
// knowledge of transports or providers; every other package depends on it
// and it depends on none of them.
package core
