// Package protocol resolves the MCP protocol version a session speaks.
//
// Negotiation is exact: a requested version is accepted verbatim when the
// server supports it and rejected otherwise. The supported set is fixed when
// the Negotiator is constructed and shared by every session in the process.
package protocol

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Known MCP protocol revisions.
const (
	Version20241105 = "2024-11-05"
	Version20250326 = "2025-03-26"
	Version20250618 = "2025-06-18"
	Version20251125 = "2025-11-25"

	// DefaultRequestedVersion is assumed when a client does not state one.
	DefaultRequestedVersion = Version20250326
)

// DefaultSupportedVersions is the supported set used when none is configured.
var DefaultSupportedVersions = []string{Version20241105, Version20250326, Version20250618, Version20251125}

var (
	// ErrUnsupportedVersion is returned when the requested version is not
	// in the supported set.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrAlreadyNegotiated is returned when a Negotiation is resolved twice.
	ErrAlreadyNegotiated = errors.New("protocol version already negotiated")

	// ErrNoSupportedVersions is returned for an empty supported set.
	ErrNoSupportedVersions = errors.New("no supported protocol versions configured")
)

// UnsupportedVersionError names the rejected version and the supported set.
type UnsupportedVersionError struct {
	Requested string
	Supported []string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("%s %q (supported: %s)", ErrUnsupportedVersion, e.Requested, strings.Join(e.Supported, ", "))
}

// Is reports ErrUnsupportedVersion as the sentinel.
func (*UnsupportedVersionError) Is(target error) bool {
	return target == ErrUnsupportedVersion
}

// Negotiator holds the immutable supported-version set.
type Negotiator struct {
	supported []string
}

// NewNegotiator creates a Negotiator for the given versions. Duplicates and
// blank entries are dropped; order is preserved.
func NewNegotiator(supported []string) (*Negotiator, error) {
	versions := make([]string, 0, len(supported))
	for _, v := range supported {
		v = strings.TrimSpace(v)
		if v == "" || slices.Contains(versions, v) {
			continue
		}
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		return nil, ErrNoSupportedVersions
	}
	return &Negotiator{supported: versions}, nil
}

// Supported returns a copy of the supported set.
func (n *Negotiator) Supported() []string {
	return slices.Clone(n.supported)
}

// Negotiate returns requested if it is supported.
func (n *Negotiator) Negotiate(requested string) (string, error) {
	if slices.Contains(n.supported, requested) {
		return requested, nil
	}
	return "", &UnsupportedVersionError{Requested: requested, Supported: n.Supported()}
}

// State is the phase of a Negotiation.
type State int

const (
	// StateUnnegotiated is the initial state.
	StateUnnegotiated State = iota
	// StateNegotiated is terminal; the version is fixed.
	StateNegotiated
	// StateRejected is terminal; the handshake failed.
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateNegotiated:
		return "negotiated"
	case StateRejected:
		return "rejected"
	default:
		return "unnegotiated"
	}
}

// Negotiation tracks one session's handshake. It is safe for concurrent use
// and transitions out of StateUnnegotiated at most once.
type Negotiation struct {
	n *Negotiator

	mu      sync.Mutex
	state   State
	version string
	err     error
}

// Begin starts a negotiation in StateUnnegotiated.
func (n *Negotiator) Begin() *Negotiation {
	return &Negotiation{n: n}
}

// Resolve performs the handshake transition. A second call returns
// ErrAlreadyNegotiated after success, or the original rejection.
func (g *Negotiation) Resolve(requested string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateNegotiated:
		return g.version, fmt.Errorf("%w: %s", ErrAlreadyNegotiated, g.version)
	case StateRejected:
		return "", g.err
	}

	v, err := g.n.Negotiate(requested)
	if err != nil {
		g.state = StateRejected
		g.err = err
		return "", err
	}
	g.state = StateNegotiated
	g.version = v
	return v, nil
}

// State returns the current state.
func (g *Negotiation) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Version returns the negotiated version, or empty unless negotiated.
func (g *Negotiation) Version() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}
