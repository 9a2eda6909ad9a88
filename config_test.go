package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("OAUTH_ISSUER", "https://auth.example.com")
	t.Setenv("OAUTH_ACCESS_TOKEN_TTL", "600")
	t.Setenv("OAUTH_PARAMETERIZED_SCOPES", "transaction;tenant")
	t.Setenv("OAUTH_TRUST_PROXY", "true")
	t.Setenv("OAUTH_CORS_ALLOWED_ORIGINS", "https://a.example.com;https://b.example.com")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv() error = %v", err)
	}

	if cfg.Issuer != "https://auth.example.com" {
		t.Errorf("Issuer = %q", cfg.Issuer)
	}
	if cfg.AccessTokenTTL != 600 {
		t.Errorf("AccessTokenTTL = %d, want 600", cfg.AccessTokenTTL)
	}
	if !slices.Equal(cfg.ParameterizedScopes, []string{"transaction", "tenant"}) {
		t.Errorf("ParameterizedScopes = %v", cfg.ParameterizedScopes)
	}

	// Defaults from struct tags
	if cfg.RateLimitRate != 10 || cfg.RateLimitBurst != 20 {
		t.Errorf("rate limit = %d/%d, want 10/20", cfg.RateLimitRate, cfg.RateLimitBurst)
	}
	if cfg.ValkeyKeyPrefix != "oidc:" {
		t.Errorf("ValkeyKeyPrefix = %q, want oidc:", cfg.ValkeyKeyPrefix)
	}
	if !cfg.AuditLogging {
		t.Error("AuditLogging should default to true")
	}

	hc := cfg.HandlerConfig()
	if !hc.RateLimit.TrustProxy || hc.RateLimit.TrustedProxyCount != 1 {
		t.Errorf("RateLimit = %+v", hc.RateLimit)
	}
	if len(hc.CORS.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v", hc.CORS.AllowedOrigins)
	}
}

func TestLoadConfigFromEnv_MissingIssuer(t *testing.T) {
	t.Setenv("OAUTH_ISSUER", "")
	t.Setenv("OAUTH_ACCESS_TOKEN_TTL", "600")

	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatal("expected an error without OAUTH_ISSUER")
	}
}

func TestEnvConfig_ServerConfig(t *testing.T) {
	dir := t.TempDir()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}
	rsaPath := filepath.Join(dir, "rsa.pem")
	writePEM(t, rsaPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rsaKey))

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() error = %v", err)
	}
	ecDER, err := x509.MarshalECPrivateKey(ecKey)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey() error = %v", err)
	}
	ecPath := filepath.Join(dir, "ec.pem")
	writePEM(t, ecPath, "EC PRIVATE KEY", ecDER)

	garbagePath := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbagePath, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
		check   func(t *testing.T, key any)
	}{
		{
			name: "rsa",
			path: rsaPath,
			check: func(t *testing.T, key any) {
				if _, ok := key.(*rsa.PrivateKey); !ok {
					t.Errorf("key type = %T, want *rsa.PrivateKey", key)
				}
			},
		},
		{
			name: "ecdsa",
			path: ecPath,
			check: func(t *testing.T, key any) {
				if _, ok := key.(*ecdsa.PrivateKey); !ok {
					t.Errorf("key type = %T, want *ecdsa.PrivateKey", key)
				}
			},
		},
		{name: "garbage", path: garbagePath, wantErr: true},
		{name: "missing file", path: filepath.Join(dir, "missing.pem"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &EnvConfig{
				Issuer:         "https://auth.example.com",
				AccessTokenTTL: 900,
				SigningKeyFile: tt.path,
				SigningKeyID:   "key-1",
			}

			cfg, err := env.ServerConfig()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ServerConfig() error = %v", err)
			}
			if cfg.Issuer != env.Issuer || cfg.AccessTokenTTL != 900 || cfg.SigningKeyID != "key-1" {
				t.Errorf("ServerConfig() = %+v", cfg)
			}
			tt.check(t, cfg.SigningKey)
		})
	}
}

func TestEnvConfig_ValkeyConfig(t *testing.T) {
	t.Run("no address", func(t *testing.T) {
		_, ok, err := (&EnvConfig{}).ValkeyConfig()
		if err != nil || ok {
			t.Errorf("ValkeyConfig() = ok %v, err %v; want false, nil", ok, err)
		}
	})

	t.Run("with encryption", func(t *testing.T) {
		key := make([]byte, 32)
		env := &EnvConfig{
			ValkeyAddress:   "localhost:6379",
			ValkeyKeyPrefix: "test:",
			EncryptionKey:   base64.StdEncoding.EncodeToString(key),
		}

		cfg, ok, err := env.ValkeyConfig()
		if err != nil || !ok {
			t.Fatalf("ValkeyConfig() = ok %v, err %v", ok, err)
		}
		if cfg.Address != "localhost:6379" || cfg.KeyPrefix != "test:" {
			t.Errorf("ValkeyConfig() = %+v", cfg)
		}
		if cfg.Encryptor == nil || !cfg.Encryptor.IsEnabled() {
			t.Error("expected an enabled encryptor")
		}
	})

	t.Run("bad key", func(t *testing.T) {
		env := &EnvConfig{ValkeyAddress: "localhost:6379", EncryptionKey: "c2hvcnQ="}
		if _, _, err := env.ValkeyConfig(); err == nil {
			t.Fatal("expected an error for a short key")
		}
	})
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}
