package harness

import "errors"

// ErrProtocol is wrapped into errors raised when the fuzzer sends a
// message that is not valid in the coordinator's current state.
var ErrProtocol = errors.New("harness: protocol violation")

// ErrSimulator is wrapped into errors raised when a simhost.Host call
// fails.
var ErrSimulator = errors.New("harness: simulator error")

// ErrBootstrap is wrapped into errors raised during Install, before the
// session reaches the wait-start state.
var ErrBootstrap = errors.New("harness: bootstrap failed")

// ErrOutOfRange is wrapped into errors raised when an injected input
// exceeds the guest's declared buffer size under the reject policy.
var ErrOutOfRange = errors.New("harness: input out of range")
