package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net"
	"net/url"
)

const oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.1.1"

// validateConfig checks a defaulted configuration. It returns an error for settings
// the engine cannot run with and logs warnings for insecure ones.
func validateConfig(config *Config, logger *slog.Logger) error {
	if config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if err := validateHTTPSEnforcement(config, logger); err != nil {
		return err
	}
	if err := validateSigningKey(config); err != nil {
		return err
	}

	for name, ttl := range map[string]int64{
		"AccessTokenTTL":          config.AccessTokenTTL,
		"IdentityTokenTTL":        config.IdentityTokenTTL,
		"AuthorizationCodeTTL":    config.AuthorizationCodeTTL,
		"RefreshTokenTTL":         config.RefreshTokenTTL,
		"DeviceCodeTTL":           config.DeviceCodeTTL,
		"DevicePollingInterval":   config.DevicePollingInterval,
		"DeviceSlowDownIncrement": config.DeviceSlowDownIncrement,
		"ClockSkewGracePeriod":    config.ClockSkewGracePeriod,
	} {
		if ttl < 0 {
			return fmt.Errorf("%s must not be negative (got %d)", name, ttl)
		}
	}

	if config.DevicePollingInterval >= config.DeviceCodeTTL {
		logger.Warn("⚠️  CONFIGURATION WARNING: Device polling interval is not shorter than the device code lifetime",
			"interval", config.DevicePollingInterval,
			"lifetime", config.DeviceCodeTTL,
			"risk", "Device clients may never get a chance to poll")
	}

	return nil
}

// validateHTTPSEnforcement ensures the issuer uses HTTPS. HTTP is accepted on localhost
// for development, and elsewhere only when AllowInsecureHTTP is set.
func validateHTTPSEnforcement(config *Config, logger *slog.Logger) error {
	issuerURL, err := url.Parse(config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if isLocalhostHostname(hostname) {
		if !config.AllowInsecureHTTP {
			logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", config.Issuer,
				"risk", "Credentials exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config",
				"learn_more", oauth21SecurityBestPracticesURL)
		}
		return nil
	}

	if !config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"To run on localhost for development, set AllowInsecureHTTP=true",
			issuerURL.Scheme,
			hostname,
		)
	}

	logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"action_required", "Switch to HTTPS immediately",
		"learn_more", oauth21SecurityBestPracticesURL)
	return nil
}

// isLocalhostHostname checks if a hostname refers to the local machine: localhost,
// 0.0.0.0 and any loopback address (including the whole 127.0.0.0/8 range).
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	// url.Hostname() strips brackets, but callers may pass raw hosts
	cleanHostname := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		cleanHostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(cleanHostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateSigningKey checks that the signing key is one the engine can sign with
func validateSigningKey(config *Config) error {
	switch key := config.SigningKey.(type) {
	case nil:
		return fmt.Errorf("signing key is required")
	case *rsa.PrivateKey:
		if key.N.BitLen() < 2048 {
			return fmt.Errorf("RSA signing key must be at least 2048 bits (got %d)", key.N.BitLen())
		}
	case *ecdsa.PrivateKey:
		if key.Curve != elliptic.P256() {
			return fmt.Errorf("ECDSA signing key must use P-256")
		}
	default:
		return fmt.Errorf("unsupported signing key type %T (use *rsa.PrivateKey or *ecdsa.PrivateKey)", key)
	}
	return nil
}
