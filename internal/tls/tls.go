package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File names used inside Options.Dir.
const (
	CACertFile = "tls_ca.crt"
	CertFile   = "tls.crt"
	KeyFile    = "tls.key"
)

// Options configures HTTPS for the API server.
//
//	[server.tls]
//	enabled = true
//	dir = "/var/lib/livesync/tls"
//	auto_generate = true
type Options struct {
	Enabled      bool    `mapstructure:"enabled"`
	CertFile     string  `mapstructure:"cert_file"`
	KeyFile      string  `mapstructure:"key_file"`
	Dir          string  `mapstructure:"dir"`
	AutoGenerate bool    `mapstructure:"auto_generate"`
	MinVersion   string  `mapstructure:"min_version"`
	MaxVersion   string  `mapstructure:"max_version"`
	AutoGen      AutoGen `mapstructure:"auto_gen"`
}

// AutoGen describes the self-signed certificate created when AutoGenerate is set.
type AutoGen struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// parseVersion maps "1.2"/"1.3" (optionally prefixed with TLS) to a version constant.
func parseVersion(ver string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ver)), "tls") {
	case "", "default", "1.3":
		return tls.VersionTLS13, nil
	case "1.2":
		return tls.VersionTLS12, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", ver)
}

// Setup builds the server TLS configuration. It returns nil when TLS is disabled.
//
// Explicit cert_file/key_file win over dir. With dir and auto_generate, a
// self-signed certificate is created on first use.
func Setup(o Options) (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(o.MinVersion)
	if err != nil {
		return nil, err
	}
	maxVer, err := parseVersion(o.MaxVersion)
	if err != nil {
		return nil, err
	}
	if minVer > maxVer {
		return nil, fmt.Errorf("min_version %s is above max_version %s", o.MinVersion, o.MaxVersion)
	}

	certPath, keyPath := o.CertFile, o.KeyFile
	switch {
	case certPath != "" && keyPath != "":
	case o.Dir != "":
		certPath = filepath.Join(o.Dir, CertFile)
		keyPath = filepath.Join(o.Dir, KeyFile)
		if o.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(o); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	default:
		return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
	}

	// fail at startup rather than on the first handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	// #nosec G402 minimum version is configurable down to TLS 1.2
	return &tls.Config{
		GetCertificate: reloadingCertificate(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

// reloadingCertificate reads the key pair on every handshake so rotated
// files are picked up without a restart.
func reloadingCertificate(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(o Options) error {
	if err := os.MkdirAll(o.Dir, 0o750); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}
	ag := o.AutoGen
	validDays := ag.ValidDays
	if validDays <= 0 {
		validDays = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   valueOr(ag.CommonName, "localhost"),
		Organization: valueOr(ag.Organization, "livesync"),
		DNSNames:     sliceOr(ag.DNSNames, []string{"localhost"}),
		IPAddresses:  sliceOr(ag.IPAddresses, []string{"127.0.0.1", "::1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(o.Dir, CertFile),
		KeyPath:      filepath.Join(o.Dir, KeyFile),
		CACertPath:   filepath.Join(o.Dir, CACertFile),
	})
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func sliceOr(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
