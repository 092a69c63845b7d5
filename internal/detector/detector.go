// Package detector answers one question: is a recorded process actually
// alive? Implementations must be safe for concurrent use.
package detector

// Detector is a liveness probe strategy for a supervised or recorded process.
type Detector interface {
	// Alive reports whether the process is detected as running.
	Alive() (bool, error)
	// Describe returns a short human-readable description of the method.
	Describe() string
}
