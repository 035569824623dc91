// Package transport wraps the raw UDP socket the engine reads and writes
// CoAP datagrams on: a thin layer over net.UDPConn, kept separate from
// internal/coap/engine so the engine's dispatch logic can be tested
// against a fake Conn without opening a real socket.
package transport

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// Conn is the narrow surface internal/coap/engine needs from a UDP socket.
// *net.UDPConn satisfies it directly.
type Conn interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (n int, err error)
	Close() error
	LocalAddr() net.Addr
}

// Listen opens a UDP socket on addr (host:port, e.g. "[::]:5683"),
// centralizing socket construction behind a single constructor rather than
// scattering net.ListenUDP calls across callers.
func Listen(addr string) (Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}

// ReadLoop repeatedly reads datagrams from conn into a buffer of size
// bufSize and invokes onDatagram with each one, until ctx is cancelled. A
// read error is logged and the loop keeps reading; it returns only once
// ctx is done. It owns no state of its own; the engine supplies the
// buffer size (config.PDUBufSize) and the handling closure. onDatagram is
// always called from this one goroutine, never concurrently with itself.
func ReadLoop(ctx context.Context, conn Conn, bufSize int, log *zap.Logger, onDatagram func(data []byte, from *net.UDPAddr)) {
	buf := make([]byte, bufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warn("udp read failed", zap.Error(err))
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		onDatagram(datagram, from)
	}
}
