package interaction

import (
	"context"
	"net/url"
	"strings"

	"github.com/giantswarm/oidc-engine/storage"
)

// IsValidReturnURL reports whether returnURL may be used as the redirect target after
// login or consent. Only local paths (or absolute URLs on the issuer's origin) under one
// of the configured return paths qualify, which keeps the login page from being used as
// an open redirector. A request_id parameter must refer to a live authorization context.
func (s *Service) IsValidReturnURL(ctx context.Context, returnURL string) bool {
	u, err := url.Parse(returnURL)
	if err != nil || returnURL == "" {
		return false
	}

	if u.IsAbs() || u.Host != "" {
		issuer, err := url.Parse(s.server.Config().Issuer)
		if err != nil || !strings.EqualFold(u.Scheme, issuer.Scheme) || !strings.EqualFold(u.Host, issuer.Host) {
			return false
		}
	} else if !isLocalPath(returnURL) {
		return false
	}

	if !s.hasReturnPath(u.Path) {
		return false
	}

	if requestID := u.Query().Get("request_id"); requestID != "" {
		if _, err := s.store.GetMessage(ctx, storage.MessageKindAuthorization, requestID); err != nil {
			s.logger.Debug("Return URL refers to an unknown authorization context", "request_id", requestID)
			return false
		}
	}
	return true
}

// isLocalPath reports whether raw is a path on this host: it starts with a single "/"
// and is not a protocol-relative or backslash-escaped URL
func isLocalPath(raw string) bool {
	if !strings.HasPrefix(raw, "/") {
		return false
	}
	return len(raw) == 1 || (raw[1] != '/' && raw[1] != '\\')
}

func (s *Service) hasReturnPath(path string) bool {
	for _, p := range s.config.ReturnPaths {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
