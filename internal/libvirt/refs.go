package libvirt

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jbweber/vmlease/internal/gateway"
)

// Placement refs are "<kind>:<name>". Image refs carry the pool as well,
// "image:<pool>/<volume>". VM refs are the bare domain UUID.

func entityRef(kind gateway.EntityKind, name string) gateway.Ref {
	return gateway.Ref(string(kind) + ":" + name)
}

func imageRef(pool, volume string) gateway.Ref {
	return entityRef(gateway.KindImage, pool+"/"+volume)
}

// refName extracts the name from a placement ref of the given kind.
func refName(ref gateway.Ref, kind gateway.EntityKind) (string, error) {
	name, ok := strings.CutPrefix(string(ref), string(kind)+":")
	if !ok || name == "" {
		return "", fmt.Errorf("ref %q is not a %s", ref, kind)
	}
	return name, nil
}

func imageRefParts(ref gateway.Ref) (pool, volume string, err error) {
	name, err := refName(ref, gateway.KindImage)
	if err != nil {
		return "", "", err
	}
	pool, volume, ok := strings.Cut(name, "/")
	if !ok || pool == "" || volume == "" {
		return "", "", fmt.Errorf("image ref %q has no pool", ref)
	}
	return pool, volume, nil
}

// domainUUID parses a VM ref. Malformed refs name nothing, so they report
// ErrEntityNotFound like any unknown domain.
func domainUUID(ref gateway.Ref) (uuid.UUID, error) {
	id, err := uuid.Parse(string(ref))
	if err != nil {
		return uuid.Nil, fmt.Errorf("vm %s: %w", ref, gateway.ErrEntityNotFound)
	}
	return id, nil
}
