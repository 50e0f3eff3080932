// Package ca implements Strato's Identity Service: a long-lived root
// keypair that issues, tracks, and revokes short-lived X.509 identities for
// hypervisor agents, and produces CRLs for the Agent Channel to validate
// against.
//
// No library in the example corpus offers CA issuance or CRL generation;
// crypto/x509, crypto/ecdsa, and crypto/rand are the idiomatic Go primitives
// the ecosystem itself builds these on, so this package is stdlib-only by
// necessity rather than preference (see DESIGN.md).
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/logger"
	"github.com/strato-hq/strato/internal/models"
)

// Store persists certificates and their revocation status. Implemented by
// internal/db.CertDB.
type Store interface {
	SaveCertificate(cert *models.Certificate) error
	ActiveCertificateForAgent(agentID string) (*models.Certificate, error)
	ActiveCertificateForSerial(serial string) (*models.Certificate, error)
	// ActiveCertificateForPublicKey returns the active certificate bound to
	// fingerprint, if any, regardless of subject agent.
	ActiveCertificateForPublicKey(fingerprint string) (*models.Certificate, error)
	RevokeCertificate(serial string, reason string, at time.Time) error
	ListRevoked() ([]*models.Certificate, error)
}

// CA is Strato's Identity Service.
type CA struct {
	mu          sync.Mutex
	trustDomain string
	maxValidity time.Duration
	crlInterval time.Duration

	rootKey  *ecdsa.PrivateKey
	rootCert *x509.Certificate
	rootDER  []byte

	store Store
}

// Config configures CA startup.
type Config struct {
	TrustDomain         string
	KeyPath             string
	CertPath            string
	MaxValidityDays     int
	CRLIntervalHours    int
}

// Load reads (or, if absent, generates and persists) the root keypair. I/O
// errors on key material are fatal: the caller should exit with the
// CAUnavailable exit code rather than start with a missing identity root.
func Load(cfg Config, store Store) (*CA, error) {
	if cfg.MaxValidityDays <= 0 {
		cfg.MaxValidityDays = 30
	}
	if cfg.CRLIntervalHours <= 0 {
		cfg.CRLIntervalHours = 24
	}

	c := &CA{
		trustDomain: cfg.TrustDomain,
		maxValidity: time.Duration(cfg.MaxValidityDays) * 24 * time.Hour,
		crlInterval: time.Duration(cfg.CRLIntervalHours) * time.Hour,
		store:       store,
	}

	key, cert, err := loadOrInitRoot(cfg.KeyPath, cfg.CertPath, cfg.TrustDomain)
	if err != nil {
		return nil, fmt.Errorf("loading root identity: %w", err)
	}
	c.rootKey = key
	c.rootCert = cert
	c.rootDER = cert.Raw

	logger.CA().Info().Str("trust_domain", cfg.TrustDomain).Msg("identity service root loaded")
	return c, nil
}

func loadOrInitRoot(keyPath, certPath, trustDomain string) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	if keyPEM, err := os.ReadFile(keyPath); err == nil {
		certPEM, err := os.ReadFile(certPath)
		if err != nil {
			return nil, nil, fmt.Errorf("root key present but cert missing: %w", err)
		}
		return decodeRoot(keyPEM, certPEM)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: trustDomain + " root CA"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}

	if err := persistRoot(keyPath, certPath, key, der); err != nil {
		return nil, nil, err
	}

	return key, cert, nil
}

func persistRoot(keyPath, certPath string, key *ecdsa.PrivateKey, certDER []byte) error {
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	return os.WriteFile(certPath, certPEM, 0644)
}

func decodeRoot(keyPEM, certPEM []byte) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("invalid root key PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("invalid root cert PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

func randomSerial() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, max)
}

// publicKeyFingerprint is the hex SHA-256 of the key's marshaled SPKI, used
// to detect the same keypair being presented under more than one agent id.
func publicKeyFingerprint(pub interface{}) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// IssueCertificate signs csrDER for agentID, clamping validity to the
// configured ceiling. The subject common name is agentID; the SAN carries a
// spiffe://<trust-domain>/agent/<agentId> URI. Rejects a CSR whose public
// key already corresponds to another agent's active certificate. If agentID
// already holds an active certificate, it is revoked once the new one is
// persisted, so at most one stays active per agent.
func (c *CA) IssueCertificate(agentID string, csrDER []byte, requestedValidity time.Duration) (*models.Certificate, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, nil, apierr.BadRequest("invalid CSR: " + err.Error())
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, nil, apierr.BadRequest("CSR signature invalid")
	}
	if csr.Subject.CommonName != agentID {
		return nil, nil, apierr.New(apierr.KindSubjectMismatch, "CSR common name does not match agent id")
	}

	fingerprint, err := publicKeyFingerprint(csr.PublicKey)
	if err != nil {
		return nil, nil, apierr.BadRequest("invalid CSR public key: " + err.Error())
	}
	if boundTo, err := c.store.ActiveCertificateForPublicKey(fingerprint); err != nil {
		return nil, nil, apierr.PersistenceUnavailable(err)
	} else if boundTo != nil && boundTo.SubjectAgentID != agentID {
		return nil, nil, apierr.Conflict("CSR public key already bound to an active certificate for another agent")
	}

	// Reissuing for an agent supersedes its existing active identity: at
	// most one active certificate per agent at any time.
	prior, err := c.store.ActiveCertificateForAgent(agentID)
	if err != nil {
		return nil, nil, apierr.PersistenceUnavailable(err)
	}

	validity := requestedValidity
	if validity <= 0 || validity > c.maxValidity {
		validity = c.maxValidity
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, apierr.CAUnavailable(err)
	}

	spiffeURI := fmt.Sprintf("spiffe://%s/agent/%s", c.trustDomain, agentID)
	parsedURI, err := url.Parse(spiffeURI)
	if err != nil {
		return nil, nil, apierr.Internal("building SPIFFE URI", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: agentID},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		URIs:         []*url.URL{parsedURI},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.rootCert, csr.PublicKey, c.rootKey)
	if err != nil {
		return nil, nil, apierr.CAUnavailable(err)
	}

	cert := &models.Certificate{
		Serial:               serial.String(),
		SubjectAgentID:       agentID,
		SPIFFEURI:            spiffeURI,
		PublicKeyFingerprint: fingerprint,
		IssuedAt:             now,
		NotAfter:             tmpl.NotAfter,
		Status:               models.CertificateActive,
	}

	if err := c.store.SaveCertificate(cert); err != nil {
		return nil, nil, apierr.PersistenceUnavailable(err)
	}

	if prior != nil {
		if err := c.store.RevokeCertificate(prior.Serial, "superseded by reissue", now); err != nil {
			return nil, nil, apierr.PersistenceUnavailable(err)
		}
		logger.CA().Info().Str("agent_id", agentID).Str("serial", prior.Serial).Msg("prior certificate superseded")
	}

	logger.CA().Info().Str("agent_id", agentID).Str("serial", cert.Serial).Msg("certificate issued")
	return cert, der, nil
}

// RevokeCertificate flips a certificate to revoked and records why.
func (c *CA) RevokeCertificate(serial, reason string) error {
	if err := c.store.RevokeCertificate(serial, reason, time.Now()); err != nil {
		return apierr.PersistenceUnavailable(err)
	}
	logger.CA().Warn().Str("serial", serial).Str("reason", reason).Msg("certificate revoked")
	return nil
}

// GetTrustBundle returns the root certificate in PEM form.
func (c *CA) GetTrustBundle() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.rootDER})
}

// TrustDomain returns the fixed trust domain this CA issues under.
func (c *CA) TrustDomain() string { return c.trustDomain }

// IsActiveSerial reports whether serial maps to an active, unexpired
// certificate for agentID — the check the Agent Channel performs before
// accepting a connection.
func (c *CA) IsActiveSerial(agentID, serial string) (bool, error) {
	cert, err := c.store.ActiveCertificateForSerial(serial)
	if err != nil {
		return false, apierr.PersistenceUnavailable(err)
	}
	if cert == nil {
		return false, nil
	}
	if cert.SubjectAgentID != agentID {
		return false, nil
	}
	if cert.Status != models.CertificateActive {
		return false, nil
	}
	if time.Now().After(cert.NotAfter) {
		return false, nil
	}
	return true, nil
}

// GenerateCRL returns a DER-encoded CRL covering all revoked, unexpired
// serials, with thisUpdate = now and nextUpdate = now + crlInterval.
func (c *CA) GenerateCRL() ([]byte, error) {
	revoked, err := c.store.ListRevoked()
	if err != nil {
		return nil, apierr.PersistenceUnavailable(err)
	}

	now := time.Now()
	var entries []pkix.RevokedCertificate
	for _, cert := range revoked {
		if now.After(cert.NotAfter) {
			continue
		}
		serial := new(big.Int)
		serial.SetString(cert.Serial, 10)
		revokedAt := now
		if cert.RevokedAt != nil {
			revokedAt = *cert.RevokedAt
		}
		entries = append(entries, pkix.RevokedCertificate{
			SerialNumber:   serial,
			RevocationTime: revokedAt,
		})
	}

	tmpl := &x509.RevocationList{
		Number:                    big.NewInt(time.Now().UnixNano()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(c.crlInterval),
		RevokedCertificateEntries: entries,
	}

	return x509.CreateRevocationList(rand.Reader, tmpl, c.rootCert, c.rootKey)
}

// NewSerial is exposed for callers (join tokens) needing the same
// 128-bit random-serial convention as certificate issuance.
func NewSerial() string {
	return uuid.New().String()
}
