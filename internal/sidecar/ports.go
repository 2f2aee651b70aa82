package sidecar

import (
	"fmt"
	"net"
	"sync"
)

// portPicker selects the listen port for the sidecar. The supervisor
// owns exactly one child, so there is no reservation table: a port is
// free when the OS lets us bind it. The previously used port is tried
// first so a restart keeps the sidecar's address stable for clients
// that cached it.
type portPicker struct {
	base int
	max  int

	mu   sync.Mutex
	last int

	probe func(port int) bool
}

func newPortPicker(base, max int) *portPicker {
	return &portPicker{base: base, max: max, probe: canBind}
}

func canBind(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Pick returns a currently bindable port in [base, max]. The probe
// only proves the port was free at the instant of the check; the
// sidecar must bind it promptly.
func (p *portPicker) Pick() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last >= p.base && p.last <= p.max && p.probe(p.last) {
		return p.last, nil
	}

	for port := p.base; port <= p.max; port++ {
		if port == p.last {
			continue
		}
		if p.probe(port) {
			p.last = port
			return port, nil
		}
	}

	return 0, fmt.Errorf("no bindable port in range [%d, %d]", p.base, p.max)
}
