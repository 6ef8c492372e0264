package opcua

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"
)

// ClientConfig holds the session settings of the protocol manager.
type ClientConfig struct {
	SecurityMode      string
	SecurityPolicy    string
	CertFile          string
	KeyFile           string
	CertDir           string
	Username          string
	Password          string
	RequestTimeout    time.Duration
	AutoReconnect     bool
	ReconnectInterval time.Duration
}

// clientOpts builds the gopcua options for a session. When a secure mode is
// requested without certificate files, a self-signed client certificate is
// generated once into CertDir and reused.
func clientOpts(cfg ClientConfig) ([]opcua.Option, error) {
	opts := []opcua.Option{
		opcua.SecurityMode(getSecurityMode(cfg.SecurityMode)),
		opcua.SecurityPolicy(getSecurityPolicy(cfg.SecurityPolicy)),
		opcua.AutoReconnect(cfg.AutoReconnect),
	}
	if cfg.ReconnectInterval > 0 {
		opts = append(opts, opcua.ReconnectInterval(cfg.ReconnectInterval))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, opcua.RequestTimeout(cfg.RequestTimeout))
	}

	// username/password takes precedence over anonymous
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	if getSecurityMode(cfg.SecurityMode) == ua.MessageSecurityModeNone {
		return opts, nil
	}

	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	if certPath == "" || keyPath == "" {
		dir := cfg.CertDir
		if dir == "" {
			dir = "certificate-opcua"
		}
		certPath = filepath.Join(dir, "client_cert.der")
		keyPath = filepath.Join(dir, "client_key.der")
		if err := ensureClientCert(dir, certPath, keyPath); err != nil {
			return nil, err
		}
	}

	opts = append(opts,
		opcua.PrivateKeyFile(keyPath),
		opcua.CertificateFile(certPath),
	)
	return opts, nil
}

func ensureClientCert(dir, certPath, keyPath string) error {
	if !fileNotExists(certPath) && !fileNotExists(keyPath) {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}

	c, err := generateCert()
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}
	pk, ok := c.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("unexpected type of generated private key, expected *rsa.PrivateKey")
	}

	if err := os.WriteFile(certPath, c.Certificate[0], 0o644); err != nil {
		return fmt.Errorf("failed to save certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, x509.MarshalPKCS1PrivateKey(pk), 0o600); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}
	logrus.Infof("OPC-UA: generated client certificate %s", certPath)
	return nil
}

func fileNotExists(path string) bool {
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}

// generateCert creates a self-signed client certificate and its RSA key.
func generateCert() (*tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(5 * 365 * 24 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"device-opcua"},
			CommonName:   "device-opcua client",
		},
		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:              x509.KeyUsageContentCommitment | x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageDataEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	appURI := "urn:device-opcua:client"
	template.DNSNames = append(template.DNSNames, "device-opcua")
	if uri, err := url.Parse(appURI); err == nil {
		template.URIs = append(template.URIs, uri)
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certBuf := bytes.NewBuffer(nil)
	if err := pem.Encode(certBuf, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return nil, fmt.Errorf("failed to encode certificate: %w", err)
	}
	keyBuf := bytes.NewBuffer(nil)
	if err := pem.Encode(keyBuf, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}); err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}

	cert, err := tls.X509KeyPair(certBuf.Bytes(), keyBuf.Bytes())
	return &cert, err
}

func getSecurityMode(mode string) ua.MessageSecurityMode {
	switch mode {
	case "Sign", "sign":
		return ua.MessageSecurityModeSign
	case "SignAndEncrypt", "Sign&Encrypt", "signandencrypt", "sign&encrypt":
		return ua.MessageSecurityModeSignAndEncrypt
	default:
		return ua.MessageSecurityModeNone
	}
}

func getSecurityPolicy(policy string) string {
	switch policy {
	case "Basic128Rsa15", "basic128rsa15":
		return ua.SecurityPolicyURIBasic128Rsa15
	case "Basic256", "basic256":
		return ua.SecurityPolicyURIBasic256
	case "Basic256Sha256", "basic256sha256":
		return ua.SecurityPolicyURIBasic256Sha256
	default:
		return ua.SecurityPolicyURINone
	}
}
