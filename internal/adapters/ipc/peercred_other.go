//go:build !linux

package ipc

import "net"

// peerUID is best-effort off Linux: no portable peer credential API, so
// the socket file's 0600 mode is the only implicit check.
func peerUID(conn net.Conn) (int, error) {
	return -1, nil
}
