package room

import (
	"context"
	"crypto/rand"
	"fmt"
)

// FakeProvisioner hands out documentation-range addresses without calling any provider.
type FakeProvisioner struct{}

func NewFakeProvisioner() *FakeProvisioner {
	return &FakeProvisioner{}
}

func (f *FakeProvisioner) Provision(_ context.Context, req ProvisionRequest) (ProvisionResult, error) {
	ipTail, err := randomUint8()
	if err != nil {
		return ProvisionResult{}, err
	}
	ip := fmt.Sprintf("203.0.113.%d", 10+int(ipTail)%200)
	return ProvisionResult{
		Handle:   "room-fake-" + req.SessionID,
		JoinURL:  joinURL(ip, req.SessionID),
		PublicIP: ip,
	}, nil
}

func (f *FakeProvisioner) Release(_ context.Context, _ ReleaseRequest) error {
	return nil
}

func randomUint8() (byte, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
