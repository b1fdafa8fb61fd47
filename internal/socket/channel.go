package socket

import "github.com/swiftdrop/driverlink/internal/identity"

// Channel is the per-channel connection surface the protocol layers
// consume. *Manager implements it; tests substitute fakes.
type Channel interface {
	Emit(event string, payload any, ack AckFunc) error
	On(event string, fn Handler) (cancel func())
	Off(event string)
	OnConnect(fn func())
	OnStateChange(fn func(State))
	IsConnected() bool
	Identity() identity.Identity
}

var _ Channel = (*Manager)(nil)
