// Package bootstrap implements the one-shot rendezvous between the
// harness and the fuzzer process: the harness listens on a Unix domain
// socket whose name is published through a well-known environment
// variable, and the fuzzer dials it. A net.Conn over a Unix domain
// socket is natively full-duplex, so the dialled connection itself
// serves as the control channel; there is no separate step of minting
// and handing off fresh channel endpoints.
package bootstrap

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/confuse-fuzz/harness/internal/wire"
)

// EnvVarName returns the environment variable name a fuzzer process
// must read to find the bootstrap socket for a simulator class named
// className, e.g. "CONFUSE_SOCK" for className "confuse".
func EnvVarName(className string) string {
	return strings.ToUpper(className) + "_SOCK"
}

// Result is the outcome of a successful bootstrap rendezvous.
type Result struct {
	// Channel is the control channel to use for the rest of the session.
	Channel *wire.Channel
	// SockPath is the filesystem path of the listening socket, removed
	// automatically when Listen's caller calls the returned cleanup func.
	SockPath string
}

// Listen creates a Unix domain socket under dir, publishes its path
// through the environment variable for className, and blocks until
// exactly one peer connects. The returned cleanup function removes the
// socket file; callers should defer it regardless of error.
//
// If ready is non-nil, it is invoked once the socket is published and
// listening but before Listen blocks on Accept, so a caller driving both
// sides of the rendezvous in-process knows when it is safe to Dial.
func Listen(dir, className string, ready func()) (res Result, cleanup func(), err error) {
	sockPath := dir + "/" + className + ".sock"
	if err := os.Setenv(EnvVarName(className), sockPath); err != nil {
		return Result{}, func() {}, fmt.Errorf("bootstrap: set %s: %w", EnvVarName(className), err)
	}

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return Result{}, func() {}, fmt.Errorf("bootstrap: listen %s: %w", sockPath, err)
	}
	cleanup = func() {
		ln.Close()
		os.Remove(sockPath)
	}

	if ready != nil {
		ready()
	}

	conn, err := ln.Accept()
	if err != nil {
		return Result{}, cleanup, fmt.Errorf("bootstrap: accept: %w", err)
	}

	return Result{Channel: wire.NewChannel(conn), SockPath: sockPath}, cleanup, nil
}

// Dial connects to the bootstrap socket published for className,
// reading its path from the environment variable set by Listen. This is
// the fuzzer side of the rendezvous.
func Dial(className string) (*wire.Channel, error) {
	sockPath := os.Getenv(EnvVarName(className))
	if sockPath == "" {
		return nil, fmt.Errorf("bootstrap: environment variable %s not set", EnvVarName(className))
	}
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: dial %s: %w", sockPath, err)
	}
	return wire.NewChannel(conn), nil
}
