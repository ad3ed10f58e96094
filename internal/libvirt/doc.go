// Package libvirt is the hypervisor gateway: it drives the local libvirt
// daemon through github.com/digitalocean/go-libvirt.
//
// A Gateway hands out one Session per orchestrator operation:
//
//	s, err := gw.Connect(ctx)
//	if err != nil {
//	    return err // errors.Is(err, v1alpha1.ErrBackendUnavailable)
//	}
//	defer s.Close()
//
//	domains, err := s.ListDomains(ctx)
//
// Sessions translate libvirt faults into the v1alpha1 error taxonomy:
// ErrNotFound for unknown domains, ErrInvalidState for power transitions
// that do not apply, and *v1alpha1.ProvisionError for failed provisioning.
//
// Domain XML is generated with libvirt.org/go/libvirtxml. The session's
// libvirt calls go through the consumer-side API interface, which
// *libvirt.Libvirt satisfies implicitly.
package libvirt
