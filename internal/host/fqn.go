package host

import (
	"net/url"
	"strings"

	"github.com/woly/hub/internal/werrors"
)

// buildFQN computes "{name}@{location-with-spaces-as-hyphens}-{nodeId}".
func buildFQN(name, location, nodeID string) string {
	loc := strings.ReplaceAll(strings.TrimSpace(location), " ", "-")
	return name + "@" + loc + "-" + nodeID
}

// parsedFQN is the result of splitting an operator-supplied FQN.
type parsedFQN struct {
	Name     string
	Location string
}

// parseFQN splits "name@location" into its parts, percent-decoding the
// location segment. Rejects anything without exactly one '@' or with an
// empty name/location.
func parseFQN(fqn string) (parsedFQN, error) {
	idx := strings.Index(fqn, "@")
	if idx < 0 {
		return parsedFQN{}, werrors.Validation("invalid_fqn", "host name must be in the form name@location")
	}
	name := strings.TrimSpace(fqn[:idx])
	rawLocation := fqn[idx+1:]
	if strings.Contains(rawLocation, "@") {
		return parsedFQN{}, werrors.Validation("invalid_fqn", "host name must contain exactly one '@'")
	}
	location, err := url.QueryUnescape(rawLocation)
	if err != nil {
		return parsedFQN{}, werrors.Validation("invalid_fqn", "location segment is not validly percent-encoded")
	}
	location = strings.TrimSpace(location)
	if name == "" || location == "" {
		return parsedFQN{}, werrors.Validation("invalid_fqn", "host name and location must both be non-empty")
	}
	return parsedFQN{Name: name, Location: location}, nil
}

// ParseFQN splits an operator-supplied "name@location" into its parts,
// percent-decoding the location segment, for use outside this package
// (CommandRouter's route<X> entry points).
func ParseFQN(fqn string) (name, location string, err error) {
	p, err := parseFQN(fqn)
	if err != nil {
		return "", "", err
	}
	return p.Name, p.Location, nil
}

// BuildFQN computes "{name}@{location-with-spaces-as-hyphens}-{nodeId}" for
// callers outside this package.
func BuildFQN(name, location, nodeID string) string {
	return buildFQN(name, location, nodeID)
}
