package hub

import "fmt"

// Role identifies what a downstream client is allowed to do on its stream.
type Role string

const (
	// RolePrimaryCapture uploads camera frames and receives decision and
	// status messages. The deployment's fixed bin camera unit.
	RolePrimaryCapture Role = "primary-capture"

	// RoleSecondaryAudio streams microphone audio upstream and plays back
	// synthesized speech. Typically the AR headset or kiosk speaker unit.
	RoleSecondaryAudio Role = "secondary-audio"

	// RoleObserver receives decisions, transcripts, and status updates but
	// sends nothing. Dashboards and monitoring tools.
	RoleObserver Role = "observer"
)

// ParseRole validates a role string from the connection handshake.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePrimaryCapture, RoleSecondaryAudio, RoleObserver:
		return Role(s), nil
	}
	return "", fmt.Errorf("hub: unknown role %q", s)
}

// CanSendFrames reports whether this role may upload camera frames.
func (r Role) CanSendFrames() bool { return r == RolePrimaryCapture }
