package instances

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/substratehq/bootman/lib/images"
	"github.com/substratehq/bootman/lib/logger"
)

// probeInterval is the delay between reachability attempts per service.
const probeInterval = 500 * time.Millisecond

// probeServices waits until every declared external collaborator accepts a
// TCP connection, bounded by timeout per start. The services themselves are
// opaque; reachability is the whole contract at this layer.
func probeServices(ctx context.Context, services []images.ServiceRef, timeout time.Duration) error {
	if len(services) == 0 {
		return nil
	}

	log := logger.FromContext(ctx)
	deadline := time.Now().Add(timeout)

	for _, svc := range services {
		for {
			d := net.Dialer{Timeout: time.Second}
			conn, err := d.DialContext(ctx, "tcp", svc.Address)
			if err == nil {
				conn.Close()
				log.DebugContext(ctx, "service reachable", "service", svc.Name, "address", svc.Address)
				break
			}

			if time.Now().After(deadline) {
				return fmt.Errorf("%w: %s at %s: %v", ErrServiceUnavailable, svc.Name, svc.Address, err)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(probeInterval):
			}
		}
	}
	return nil
}
