package conn

import "github.com/ventosilenzioso/bae0net/internal/qos"

// RequiresOrderPrefix reports whether sends under this reliability class
// carry the (channel, order-index) prefix ahead of the application
// payload. UNRELIABLE and RELIABLE never need it: the former has no
// ordering guarantee to track, and the latter only guarantees
// at-least-once delivery, not ordering.
func RequiresOrderPrefix(r qos.Reliability) bool {
	switch r {
	case qos.ReliableOrdered, qos.ReliableSequenced, qos.UnreliableSequenced:
		return true
	default:
		return false
	}
}
