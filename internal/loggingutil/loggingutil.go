// Package loggingutil holds the small pslog helpers shared by every checkoutd
// subsystem.
package loggingutil

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the emitting subsystem.
const SubsystemKey = pslog.TrustedString("sys")

// Ensure returns l, or a logger that discards everything when l is nil.
func Ensure(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// Subsystem joins non-empty parts with dots, e.g. ("checkout", "webhook")
// becomes "checkout.webhook".
func Subsystem(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem returns a logger that stamps subsystem on every entry.
func WithSubsystem(l pslog.Logger, subsystem string) pslog.Logger {
	l = Ensure(l)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return l
	}
	return l.With(SubsystemKey, subsystem)
}
