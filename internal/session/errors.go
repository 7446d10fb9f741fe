package session

import "fmt"

// MediaAccessError wraps a local device failure (permission denied, device
// busy). The session moves to Failed before any media was sent.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string { return "media access: " + e.Err.Error() }
func (e *MediaAccessError) Unwrap() error { return e.Err }

// NegotiationError wraps a rejected or malformed offer/answer/candidate, or
// a transport establishment failure. The session moves to Failed and remote
// media state is cleared.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string { return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err) }
func (e *NegotiationError) Unwrap() error { return e.Err }

// SignalingTransportError wraps a lost or errored relay connection. Any
// in-flight negotiation message is lost, not retried.
type SignalingTransportError struct {
	Err error
}

func (e *SignalingTransportError) Error() string { return "signaling transport: " + e.Err.Error() }
func (e *SignalingTransportError) Unwrap() error { return e.Err }
