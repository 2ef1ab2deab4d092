// Package libvirt implements the hypervisor gateway on a local libvirt
// daemon, using github.com/digitalocean/go-libvirt over the unix socket.
//
// Placement entities map onto libvirt objects: a datastore is a storage
// pool, a network is a libvirt network, an image is a volume in the images
// pool and a VM is a domain, addressed by its UUID. Order labels are kept
// in the domain's custom metadata element so a leased VM can be correlated
// with its order without the registry.
//
// Mutating calls resolve their target synchronously and finish in the
// background; callers wait on the returned task:
//
//	dial := libvirt.Dialer(libvirt.Config{Datacenter: "lab"}, log)
//	gw := gateway.NewReconnecting(dial, log)
//	task, err := gw.PowerOn(ctx, ref)
//	if err != nil {
//	    return err
//	}
//	ref, err = gateway.Wait(ctx, gw, task)
//
// The gateway depends on consumer-side interfaces (domainAPI, and the
// storage package's LibvirtClient) that *libvirt.Libvirt satisfies, so the
// tests drive it with in-memory fakes.
package libvirt
