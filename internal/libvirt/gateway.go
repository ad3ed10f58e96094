package libvirt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/metadata"
)

// API is the subset of *libvirt.Libvirt used by a Session.
type API interface {
	ConnectListAllDomains(NeedResults int32, Flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
	DomainLookupByName(Name string) (libvirt.Domain, error)
	DomainDefineXML(XML string) (libvirt.Domain, error)
	DomainCreate(Dom libvirt.Domain) error
	DomainGetState(Dom libvirt.Domain, Flags uint32) (int32, int32, error)
	DomainShutdown(Dom libvirt.Domain) error
	DomainDestroy(Dom libvirt.Domain) error
	DomainUndefineFlags(Dom libvirt.Domain, Flags libvirt.DomainUndefineFlagsValues) error
	DomainGetMetadata(Dom libvirt.Domain, Type int32, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) (string, error)
	ConnectGetLibVersion() (uint64, error)
	Disconnect() error
}

type versionAPI interface {
	ConnectGetLibVersion() (uint64, error)
}

// Disks is the disk image lifecycle used during provisioning and teardown.
// *disk.Manager satisfies it.
type Disks interface {
	CreateDisk(ctx context.Context, path string, sizeGB int) error
	RemoveDisk(path string) error
	DiskPath(vmName string) string
}

// DomainInfo is the gateway's view of one domain.
type DomainInfo struct {
	Name   string
	UUID   string
	Active bool
}

// Options configure a Gateway.
type Options struct {
	SocketPath     string
	ConnectTimeout time.Duration
	Disks          Disks
	Logger         *zap.Logger
}

// Gateway opens hypervisor sessions.
type Gateway struct {
	dial  func(ctx context.Context) (API, error)
	disks Disks
	log   *zap.Logger
}

// NewGateway returns a gateway dialing the local daemon.
func NewGateway(opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		dial: func(ctx context.Context) (API, error) {
			c, err := ConnectWithContext(ctx, opts.SocketPath, opts.ConnectTimeout)
			if err != nil {
				return nil, err
			}
			return c.Libvirt(), nil
		},
		disks: opts.Disks,
		log:   log,
	}
}

// Connect opens a session. The caller must Close it.
func (g *Gateway) Connect(ctx context.Context) (*Session, error) {
	api, err := g.dial(ctx)
	if err != nil {
		if !errors.Is(err, v1alpha1.ErrBackendUnavailable) {
			err = errors.Join(v1alpha1.ErrBackendUnavailable, err)
		}
		return nil, err
	}
	return newSession(api, g.disks, g.log), nil
}

// Session is one connection to the daemon. It is not safe for concurrent use.
type Session struct {
	api   API
	disks Disks
	log   *zap.Logger
}

func newSession(api API, disks Disks, log *zap.Logger) *Session {
	return &Session{api: api, disks: disks, log: log}
}

// Close disconnects from the daemon.
func (s *Session) Close() error {
	if s.api == nil {
		return nil
	}
	api := s.api
	s.api = nil
	if err := api.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}
	return nil
}

// Ping verifies the connection is alive.
func (s *Session) Ping(_ context.Context) error {
	return ping(s.api)
}

// Version returns the daemon's libvirt version, e.g. "10.0.0".
func (s *Session) Version(_ context.Context) (string, error) {
	v, err := s.api.ConnectGetLibVersion()
	if err != nil {
		return "", errors.Join(v1alpha1.ErrBackendUnavailable,
			fmt.Errorf("failed to get libvirt version: %w", err))
	}
	return FormatVersion(v), nil
}

// ListDomains returns every defined domain sorted by name. An empty list is valid.
func (s *Session) ListDomains(_ context.Context) ([]DomainInfo, error) {
	active, _, err := s.api.ConnectListAllDomains(1, libvirt.ConnectListDomainsActive)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list active domains: %w", err))
	}
	inactive, _, err := s.api.ConnectListAllDomains(1, libvirt.ConnectListDomainsInactive)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list inactive domains: %w", err))
	}

	out := make([]DomainInfo, 0, len(active)+len(inactive))
	for _, d := range active {
		out = append(out, domainInfo(d, true))
	}
	for _, d := range inactive {
		out = append(out, domainInfo(d, false))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Lookup returns the named domain or v1alpha1.ErrNotFound.
func (s *Session) Lookup(_ context.Context, name string) (DomainInfo, error) {
	dom, err := s.lookup(name)
	if err != nil {
		return DomainInfo{}, err
	}
	active, err := s.isActive(dom)
	if err != nil {
		return DomainInfo{}, err
	}
	return domainInfo(dom, active), nil
}

// Stamp reads the kiln provenance recorded on a domain at provisioning time.
func (s *Session) Stamp(_ context.Context, name string) (*metadata.Stamp, error) {
	dom, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return metadata.Load(s.api, dom)
}

// DefineAndStart creates the boot disk, defines the domain and boots it.
//
// Every failure is a *v1alpha1.ProvisionError. Resources created before the
// failing step are removed best-effort; cleanup failures are only logged.
func (s *Session) DefineAndStart(ctx context.Context, spec DomainSpec) error {
	log := s.log.With(zap.String("vm", spec.Name))

	domainXML, err := GenerateDomainXML(spec)
	if err != nil {
		return &v1alpha1.ProvisionError{Step: "generate domain xml", Err: err}
	}

	log.Debug("creating disk image", zap.String("path", spec.DiskPath), zap.Int("size_gb", spec.DiskSizeGB))
	if err := s.disks.CreateDisk(ctx, spec.DiskPath, spec.DiskSizeGB); err != nil {
		return err
	}

	log.Debug("defining domain")
	dom, err := s.api.DomainDefineXML(domainXML)
	if err != nil {
		s.removeDisk(log, spec.DiskPath)
		return &v1alpha1.ProvisionError{Step: "define domain", Output: libvirtMessage(err), Err: err}
	}

	log.Debug("starting domain")
	if err := s.api.DomainCreate(dom); err != nil {
		s.cleanupDomain(log, dom)
		s.removeDisk(log, spec.DiskPath)
		return &v1alpha1.ProvisionError{Step: "start domain", Output: libvirtMessage(err), Err: err}
	}

	log.Info("domain defined and started")
	return nil
}

// Start boots an inactive domain.
// Starting an active domain returns v1alpha1.ErrInvalidState.
func (s *Session) Start(_ context.Context, name string) error {
	dom, err := s.lookup(name)
	if err != nil {
		return err
	}
	active, err := s.isActive(dom)
	if err != nil {
		return err
	}
	if active {
		return errors.Join(v1alpha1.ErrInvalidState, fmt.Errorf("domain %s is already running", name))
	}
	if err := s.api.DomainCreate(dom); err != nil {
		return classify(fmt.Errorf("failed to start domain %s: %w", name, err))
	}
	return nil
}

// Stop requests a graceful ACPI shutdown and returns without waiting.
// Stopping an inactive domain returns v1alpha1.ErrInvalidState.
func (s *Session) Stop(_ context.Context, name string) error {
	dom, err := s.lookup(name)
	if err != nil {
		return err
	}
	active, err := s.isActive(dom)
	if err != nil {
		return err
	}
	if !active {
		return errors.Join(v1alpha1.ErrInvalidState, fmt.Errorf("domain %s is not running", name))
	}
	if err := s.api.DomainShutdown(dom); err != nil {
		return classify(fmt.Errorf("failed to shut down domain %s: %w", name, err))
	}
	return nil
}

// ForceDestroyAndUndefine powers the domain off without a guest shutdown,
// undefines it and removes its disk image.
//
// A domain that is not running is not an error. Undefine is attempted even
// when destroy fails. Disk removal is best-effort.
func (s *Session) ForceDestroyAndUndefine(_ context.Context, name string) error {
	log := s.log.With(zap.String("vm", name))

	dom, err := s.lookup(name)
	if err != nil {
		return err
	}

	var destroyErr error
	if err := s.api.DomainDestroy(dom); err != nil {
		if code, ok := errorCode(err); !ok || code != libvirt.ErrOperationInvalid {
			destroyErr = fmt.Errorf("failed to destroy domain %s: %w", name, err)
			log.Warn("destroy failed, undefining anyway", zap.Error(err))
		}
	}

	if err := s.api.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); err != nil {
		if !libvirt.IsNotFound(err) {
			return classify(errors.Join(destroyErr, fmt.Errorf("failed to undefine domain %s: %w", name, err)))
		}
	}

	if s.disks != nil {
		s.removeDisk(log, s.disks.DiskPath(name))
	}

	log.Info("domain destroyed and undefined")
	return nil
}

func (s *Session) lookup(name string) (libvirt.Domain, error) {
	dom, err := s.api.DomainLookupByName(name)
	if err != nil {
		return libvirt.Domain{}, classify(fmt.Errorf("failed to look up domain %s: %w", name, err))
	}
	return dom, nil
}

func (s *Session) isActive(dom libvirt.Domain) (bool, error) {
	state, _, err := s.api.DomainGetState(dom, 0)
	if err != nil {
		return false, classify(fmt.Errorf("failed to get state of domain %s: %w", dom.Name, err))
	}
	switch libvirt.DomainState(state) {
	case libvirt.DomainShutoff, libvirt.DomainNostate, libvirt.DomainCrashed:
		return false, nil
	default:
		return true, nil
	}
}

func (s *Session) cleanupDomain(log *zap.Logger, dom libvirt.Domain) {
	if err := s.api.DomainDestroy(dom); err != nil {
		log.Debug("cleanup: destroy partial domain", zap.Error(err))
	}
	if err := s.api.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); err != nil {
		log.Warn("cleanup: failed to undefine partial domain", zap.Error(err))
	}
}

func (s *Session) removeDisk(log *zap.Logger, path string) {
	if s.disks == nil {
		return
	}
	if err := s.disks.RemoveDisk(path); err != nil {
		log.Warn("cleanup: failed to remove disk image", zap.String("path", path), zap.Error(err))
	}
}

func domainInfo(d libvirt.Domain, active bool) DomainInfo {
	return DomainInfo{
		Name:   d.Name,
		UUID:   formatUUID(d.UUID),
		Active: active,
	}
}

func formatUUID(u libvirt.UUID) string {
	var zero libvirt.UUID
	if u == zero {
		return ""
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

// classify joins err with the v1alpha1 sentinel matching its libvirt error code.
func classify(err error) error {
	if libvirt.IsNotFound(err) {
		return errors.Join(v1alpha1.ErrNotFound, err)
	}
	code, ok := errorCode(err)
	if !ok {
		return err
	}
	switch code {
	case libvirt.ErrOperationInvalid:
		return errors.Join(v1alpha1.ErrInvalidState, err)
	case libvirt.ErrNoConnect, libvirt.ErrSystemError, libvirt.ErrRPC:
		return errors.Join(v1alpha1.ErrBackendUnavailable, err)
	}
	return err
}

func errorCode(err error) (libvirt.ErrorNumber, bool) {
	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		return libvirt.ErrorNumber(lerr.Code), true
	}
	var plerr *libvirt.Error
	if errors.As(err, &plerr) && plerr != nil {
		return libvirt.ErrorNumber(plerr.Code), true
	}
	return 0, false
}

func libvirtMessage(err error) string {
	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		return strings.TrimSpace(lerr.Message)
	}
	var plerr *libvirt.Error
	if errors.As(err, &plerr) && plerr != nil {
		return strings.TrimSpace(plerr.Message)
	}
	return ""
}
