package commsutil

import (
	"fmt"
	"strings"
)

// Gateway COMMS subjects.
const (
	// SubjectRegister receives capability declarations from backend
	// services (request/reply with a RegistrationAck).
	SubjectRegister = "gateway.capability.register"
	// SubjectSessionState receives context-state change notifications.
	SubjectSessionState = "gateway.session.state"
	// SubjectLifecycle carries connection lifecycle events.
	SubjectLifecycle = "gateway.connection.lifecycle"
)

// BuildLifecycleSubject builds a phase-scoped lifecycle subject.
func BuildLifecycleSubject(phase string) string {
	return fmt.Sprintf("gateway.connection.lifecycle.%s", phase)
}

// BuildDispatchSubject builds the request subject for a backend target.
// Method identifiers may contain dots, which are token separators on the
// bus; they are normalized to underscores.
func BuildDispatchSubject(service, method string) string {
	safe := strings.ReplaceAll(method, ".", "_")
	return fmt.Sprintf("svc.%s.%s", service, safe)
}
