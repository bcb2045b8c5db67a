package p2p

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Transport provides raw byte streams for the upgrader. Implementations
// resolve Multiaddrs into dialed or accepted net.Conns and nothing more;
// security and multiplexing happen above.
type Transport interface {
	Dial(ctx context.Context, addr Multiaddr) (net.Conn, error)
	Listen(addr Multiaddr) (Listener, error)
}

// Listener accepts raw inbound streams for one bound address.
type Listener interface {
	Accept() (net.Conn, error)
	Addr() Multiaddr
	Close() error
}

// TCPTransport dials and listens over plain TCP.
type TCPTransport struct {
	Dialer net.Dialer
}

func (t *TCPTransport) Dial(ctx context.Context, addr Multiaddr) (net.Conn, error) {
	switch addr.scheme {
	case schemeIP4, schemeIP6, schemeDNS4, schemeDNS6:
	default:
		return nil, fmt.Errorf("tcp transport cannot dial %s", addr)
	}
	return t.Dialer.DialContext(ctx, "tcp", addr.DialString())
}

func (t *TCPTransport) Listen(addr Multiaddr) (Listener, error) {
	ln, err := net.Listen("tcp", addr.DialString())
	if err != nil {
		return nil, err
	}
	bound := addr
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		bound.port = uint16(tcpAddr.Port)
	}
	return &tcpListener{ln: ln, addr: bound}, nil
}

type tcpListener struct {
	ln   net.Listener
	addr Multiaddr
}

func (l *tcpListener) Accept() (net.Conn, error) { return l.ln.Accept() }
func (l *tcpListener) Addr() Multiaddr           { return l.addr }
func (l *tcpListener) Close() error              { return l.ln.Close() }

// MemoryTransport connects peers inside one process over net.Pipe. Used by
// tests and by nodes running with AllowTestAddrs.
type MemoryTransport struct{}

var memoryHub = struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
}{listeners: make(map[string]*memoryListener)}

func (t *MemoryTransport) Dial(ctx context.Context, addr Multiaddr) (net.Conn, error) {
	if addr.scheme != schemeMemory {
		return nil, fmt.Errorf("memory transport cannot dial %s", addr)
	}
	memoryHub.mu.Lock()
	ln := memoryHub.listeners[addr.host]
	memoryHub.mu.Unlock()
	if ln == nil {
		return nil, fmt.Errorf("memory listener %s not found", addr)
	}
	local, remote := net.Pipe()
	select {
	case ln.incoming <- remote:
		return local, nil
	case <-ln.done:
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("memory listener %s closed", addr)
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

func (t *MemoryTransport) Listen(addr Multiaddr) (Listener, error) {
	if addr.scheme != schemeMemory {
		return nil, fmt.Errorf("memory transport cannot listen on %s", addr)
	}
	ln := &memoryListener{
		addr:     addr,
		incoming: make(chan net.Conn, 8),
		done:     make(chan struct{}),
	}
	memoryHub.mu.Lock()
	defer memoryHub.mu.Unlock()
	if _, exists := memoryHub.listeners[addr.host]; exists {
		return nil, fmt.Errorf("memory address %s already bound", addr)
	}
	memoryHub.listeners[addr.host] = ln
	return ln, nil
}

type memoryListener struct {
	addr      Multiaddr
	incoming  chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (l *memoryListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.incoming:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *memoryListener) Addr() Multiaddr { return l.addr }

func (l *memoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		memoryHub.mu.Lock()
		delete(memoryHub.listeners, l.addr.host)
		memoryHub.mu.Unlock()
	})
	return nil
}
