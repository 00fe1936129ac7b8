// Package origin validates browser Origin headers for the signaling endpoints.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Null is the opaque origin browsers send from sandboxed or file:// pages.
const Null = "null"

// NormalizeHeader parses an Origin header value into its canonical
// scheme://host[:port] form, plus the host[:port] part used for same-host
// comparisons. Default ports are dropped and hostnames lowercased.
func NormalizeHeader(raw string) (normalized, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "":
		return "", "", false
	case Null:
		return Null, "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may talk to a server reached
// through requestHost.
//
// A non-empty allow-list is matched exactly ("*" matches anything). An empty
// list falls back to same-host: the origin's host[:port] must equal the
// request Host. The scheme is not compared so TLS-terminating proxies work.
func IsAllowed(normalized, originHost, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalized, "://")
	if !found || (scheme != "http" && scheme != "https") {
		return false
	}
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && reqHost == originHost
}

func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", false
	}

	hostname, port := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		hostname, port = h, p
		if port == "" {
			return "", false
		}
	} else if strings.HasPrefix(authority, "[") {
		if !strings.HasSuffix(authority, "]") {
			return "", false
		}
		hostname = authority[1 : len(authority)-1]
	} else if strings.Contains(authority, ":") {
		return "", false
	}
	if hostname == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname, true
	}
	return hostname + ":" + port, true
}
