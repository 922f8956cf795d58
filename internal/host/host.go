// Package host answers liveness questions about the processes running a
// run's agents and delivers interrupts to them.
package host

// Host is the process host for a single run.
type Host interface {
	SessionName() string
	// SessionExists reports whether anything is still hosting the run.
	SessionExists() bool
	// IsPaneActive reports whether agent has a live process.
	IsPaneActive(agent string) bool
	Interrupt(agent string) error
}

// Provider returns the host for a run.
type Provider func(runID string) Host

// SessionName is the session a run's agents are hosted under.
func SessionName(runID string) string {
	return "foreman-" + runID
}
