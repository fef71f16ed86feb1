// Package version resolves the version exchange that opens every
// connection.
//
// Only one messaging version and one security version are implemented.
// A peer is accepted only if it advertises exactly that pair; there is no
// forward or backward compatibility.
package version

import (
	"errors"
	"fmt"

	"github.com/backkem/trustagent/pkg/message"
)

const (
	// MessagingVersion is the supported framing/messaging version.
	MessagingVersion int32 = 2

	// SecurityVersion is the supported handshake/security version.
	SecurityVersion int32 = 2
)

// ErrVersionMismatch is returned when the peer's advertised versions differ
// from the supported pair. It is fatal to the connection.
var ErrVersionMismatch = errors.New("version: unsupported peer version")

// Local returns the version exchange advertised by this implementation.
func Local() message.VersionExchange {
	return message.VersionExchange{
		MinMessagingVersion: MessagingVersion,
		MaxMessagingVersion: MessagingVersion,
		MinSecurityVersion:  SecurityVersion,
		MaxSecurityVersion:  SecurityVersion,
	}
}

// Resolve accepts the peer only on an exact match with Local.
func Resolve(peer message.VersionExchange) error {
	if peer != Local() {
		return fmt.Errorf("%w: %s", ErrVersionMismatch, peer.String())
	}
	return nil
}

// ResolveBytes decodes the peer's version exchange and resolves it.
func ResolveBytes(data []byte) (message.VersionExchange, error) {
	peer, err := message.DecodeVersionExchange(data)
	if err != nil {
		return message.VersionExchange{}, fmt.Errorf("%w: %v", ErrVersionMismatch, err)
	}
	if err := Resolve(*peer); err != nil {
		return *peer, err
	}
	return *peer, nil
}
