package server

import (
	"net/http"
	"net/netip"
	"slices"
	"strings"
)

// getIP returns the client address. Proxy headers are only consulted when
// trustProxy is set.
func getIP(req *http.Request, trustProxy bool) (netip.Addr, bool) {
	if trustProxy {
		if ip := req.Header.Get("X-Real-Ip"); ip != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(ip)); err == nil {
				return addr.Unmap(), true
			}
		}
		if ip := req.Header.Get("X-Forwarded-For"); ip != "" {
			first, _, _ := strings.Cut(ip, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.Unmap(), true
			}
		}
	}

	addrPort, err := netip.ParseAddrPort(req.RemoteAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	return addrPort.Addr().Unmap(), true
}

func (s *Server) allowedOrigin(origin string) string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return "*"
	}
	if slices.Contains(s.cfg.AllowedOrigins, origin) {
		return origin
	}
	return ""
}

func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		next(w, r)
	}
}
