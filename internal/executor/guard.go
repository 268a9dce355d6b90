package executor

import (
	"net"
	"net/url"
	"strings"

	"github.com/canopyflow/canopy/internal/errorhandling"
)

// ValidateOutboundURL rejects URLs that could reach internal
// infrastructure. Only http/https schemes are allowed, and the host
// must not resolve to a loopback, link-local, private, or ULA address.
func ValidateOutboundURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errorhandling.Wrap(errorhandling.KindValidation, err, "invalid URL")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errorhandling.New(errorhandling.KindValidation, "unsupported URL scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return errorhandling.New(errorhandling.KindValidation, "URL has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return errorhandling.New(errorhandling.KindSSRFBlocked, "host %q resolves to a blocked address", host)
	}

	// A literal IP is checked directly; otherwise resolve and check
	// every address the name maps to.
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return errorhandling.New(errorhandling.KindSSRFBlocked, "host %q resolves to a blocked address", host)
		}
		return nil
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "failed to resolve host %q", host)
	}
	for _, addr := range addrs {
		if isBlockedIP(addr) {
			return errorhandling.New(errorhandling.KindSSRFBlocked, "host %q resolves to a blocked address", host)
		}
	}

	return nil
}

func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	// RFC1918 and IPv6 ULA
	return ip.IsPrivate()
}
