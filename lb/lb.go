// Package lb specifies the contract with the load-balancing devices the
// certificates are deployed to. The engine only depends on the interfaces
// here; the wire transport lives in adapters. Every partition-scoped call
// takes the partition explicitly, there is no session folder state.
package lb

import (
	"context"
	"errors"
)

var (
	// ErrDeviceUnreachable is returned when no reachable active unit
	// exists in the pair. Fatal for the deployment attempt.
	ErrDeviceUnreachable = errors.New("no reachable active device")

	// ErrPartitionNotFound is returned when the administrative partition
	// does not exist on the device.
	ErrPartitionNotFound = errors.New("partition not found on the device")

	// ErrAccessDenied is returned when the device denies access, usually
	// a missing certificate-manager role in the partition.
	ErrAccessDenied = errors.New("access denied by the device")

	// ErrResourceNotFound is returned when the named CSR or certificate
	// does not exist on the device.
	ErrResourceNotFound = errors.New("resource not found on the device")
)

// Device is the deployment collaborator the engine drives. At most one
// operation may be in flight per device handle.
type Device interface {
	// PublishChallenge makes an http-01 validation artifact visible to
	// the CA's validator at the given location. It must be called before
	// the challenge is answered and left in place until the authorization
	// is confirmed.
	PublishChallenge(ctx context.Context, domain, location, value string) error

	// RetractChallenge removes a previously published artifact.
	RetractChallenge(ctx context.Context, domain, location string) error

	// FetchPendingCSR retrieves a CSR staged on the device, PEM encoded.
	FetchPendingCSR(ctx context.Context, partition, name string) (string, error)

	// InstallCertificate pushes a finished certificate bundle to the
	// device under the given partition and name.
	InstallCertificate(ctx context.Context, partition, name, pemBundle string) error
}

// FailoverRole is a unit's position in a redundant pair. Standalone units
// report RoleActive.
type FailoverRole string

const (
	RoleActive  FailoverRole = "active"
	RoleStandby FailoverRole = "standby"
)

// Unit is one device in a redundant pair.
type Unit interface {
	Device

	// FailoverRole queries the unit's current failover state.
	FailoverRole(ctx context.Context) (FailoverRole, error)
}

// SelectActive queries each unit's failover role in order and returns the
// first one reporting active. Units whose role cannot be queried are
// skipped. When no unit is reachable and active the deployment attempt
// cannot proceed and ErrDeviceUnreachable is returned.
func SelectActive(ctx context.Context, units ...Unit) (Device, error) {
	var lastErr error
	for _, unit := range units {
		role, err := unit.FailoverRole(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if role == RoleActive {
			return unit, nil
		}
	}
	if lastErr != nil {
		return nil, errors.Join(ErrDeviceUnreachable, lastErr)
	}
	return nil, ErrDeviceUnreachable
}
