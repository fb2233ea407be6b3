package manifest

import (
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/morezero/edge-gateway/pkg/wire"
)

// SecretSize is the required length of a per-connection secret.
const SecretSize = 32

// DeriveRoutingID computes the 16-byte routing identifier for an
// operation name under a connection secret: BLAKE2b-128 keyed with the
// secret over the stable operation name. Deterministic per (secret,
// name); distinct secrets yield unrelated identifiers.
func DeriveRoutingID(secret []byte, operationName string) (wire.RoutingID, error) {
	var id wire.RoutingID
	if len(secret) != SecretSize {
		return id, fmt.Errorf("manifest: secret must be %d bytes, got %d", SecretSize, len(secret))
	}
	h, err := blake2b.New(len(id), secret)
	if err != nil {
		return id, fmt.Errorf("manifest: keyed hash init: %w", err)
	}
	h.Write([]byte(operationName))
	copy(id[:], h.Sum(nil))
	return id, nil
}
