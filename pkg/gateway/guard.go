package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"

	"github.com/wardenlabs/warden/pkg/api"
)

// rfc1918 are the private IPv4 ranges admitted alongside loopback.
var rfc1918 = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// LocalOnly rejects every request whose socket peer is not loopback or
// RFC1918 before any other processing. Forwarded headers are never
// consulted: the trust boundary is the socket, and a spoofable header
// must not widen it.
func LocalOnly(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !localPeer(r.RemoteAddr) {
				logger.Warn("non-local peer rejected", "remote", r.RemoteAddr, "path", r.URL.Path)
				api.WriteForbidden(w, "local network only")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// localPeer reports whether remoteAddr (host:port) is loopback or
// RFC1918. Unparseable peers are rejected.
func localPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	// ::ffff:10.0.0.1 style peers are IPv4 in disguise.
	addr = addr.Unmap()
	if addr.IsLoopback() {
		return true
	}
	if !addr.Is4() {
		return false
	}
	for _, p := range rfc1918 {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
