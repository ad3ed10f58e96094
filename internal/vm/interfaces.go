package vm

import (
	"context"
	"time"

	"github.com/jbweber/kiln/api/v1alpha1"
	kilnlibvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/media"
	"github.com/jbweber/kiln/internal/metadata"
)

// Session is one hypervisor connection.
//
// In production, this is satisfied by *kilnlibvirt.Session.
// In tests, this is satisfied by fakes.
type Session interface {
	ListDomains(ctx context.Context) ([]kilnlibvirt.DomainInfo, error)
	Lookup(ctx context.Context, name string) (kilnlibvirt.DomainInfo, error)
	DefineAndStart(ctx context.Context, spec kilnlibvirt.DomainSpec) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	ForceDestroyAndUndefine(ctx context.Context, name string) error
	Stamp(ctx context.Context, name string) (*metadata.Stamp, error)
	Close() error
}

// Connector opens a Session. Connection failures wrap
// v1alpha1.ErrBackendUnavailable.
type Connector func(ctx context.Context) (Session, error)

// GatewayConnector adapts a gateway to a Connector.
func GatewayConnector(gw *kilnlibvirt.Gateway) Connector {
	return func(ctx context.Context) (Session, error) {
		s, err := gw.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// MediaTable resolves OS types to install media.
// *media.Table satisfies it.
type MediaTable interface {
	Lookup(osType v1alpha1.OSType) media.Resolved
}

// DiskLayout places and sizes boot disks.
// *disk.Manager satisfies it.
type DiskLayout interface {
	DiskPath(vmName string) string
	CheckDiskSpace(sizeGB int) error
}

// Observer records operation outcomes.
// *metrics.Metrics satisfies it.
type Observer interface {
	ObserveOp(op string, start time.Time, err error)
	SetVMCounts(counts map[string]int)
}
