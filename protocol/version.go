package protocol

import (
	"github.com/coreos/go-semver/semver"
	"github.com/pingcap/errors"
)

// Version is the protocol version spoken by this host.
var Version = semver.New("1.2.0")

// MinGatewayVersion is the oldest gateway protocol a host agrees to register with.
var MinGatewayVersion = semver.New("1.0.0")

// ParseVersion wraps semver.NewVersion and accepts a leading "v". An empty version is a gateway that predates
// version negotiation, it is treated as 1.0.0.
func ParseVersion(v string) (*semver.Version, error) {
	if v == "" {
		return semver.New("1.0.0"), nil
	}
	if v[0] == 'v' {
		v = v[1:]
	}
	ver, err := semver.NewVersion(v)
	return ver, errors.Trace(err)
}

// CheckGatewayVersion returns an error when a gateway speaking v can't serve this host.
func CheckGatewayVersion(v string) error {
	ver, err := ParseVersion(v)
	if err != nil {
		return errors.Annotatef(err, "gateway version %q", v)
	}
	if ver.LessThan(*MinGatewayVersion) {
		return errors.Errorf("gateway version %s is older than the minimum %s", ver, MinGatewayVersion)
	}
	if ver.Major != Version.Major {
		return errors.Errorf("gateway version %s is incompatible with %s", ver, Version)
	}
	return nil
}
