package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strato-hq/strato/internal/models"
)

// fakeStore is an in-memory ca.Store good enough to exercise issuance and
// revocation without a database.
type fakeStore struct {
	mu    sync.Mutex
	certs map[string]*models.Certificate
}

func newFakeStore() *fakeStore {
	return &fakeStore{certs: make(map[string]*models.Certificate)}
}

func (s *fakeStore) SaveCertificate(cert *models.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[cert.Serial] = cert
	return nil
}

func (s *fakeStore) ActiveCertificateForAgent(agentID string) (*models.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.certs {
		if c.SubjectAgentID == agentID && c.Status == models.CertificateActive {
			return c, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ActiveCertificateForSerial(serial string) (*models.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.certs[serial], nil
}

func (s *fakeStore) ActiveCertificateForPublicKey(fingerprint string) (*models.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.certs {
		if c.PublicKeyFingerprint == fingerprint && c.Status == models.CertificateActive {
			return c, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) RevokeCertificate(serial, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[serial]
	if !ok {
		return nil
	}
	c.Status = models.CertificateRevoked
	c.RevokedAt = &at
	c.RevocationReason = reason
	return nil
}

func (s *fakeStore) ListRevoked() ([]*models.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Certificate
	for _, c := range s.certs {
		if c.Status == models.CertificateRevoked {
			out = append(out, c)
		}
	}
	return out, nil
}

func newCA(t *testing.T) (*CA, *fakeStore) {
	t.Helper()
	dir := t.TempDir()
	store := newFakeStore()
	c, err := Load(Config{
		TrustDomain: "strato.test",
		KeyPath:     filepath.Join(dir, "root.key"),
		CertPath:    filepath.Join(dir, "root.crt"),
	}, store)
	require.NoError(t, err)
	return c, store
}

func csrFor(t *testing.T, commonName string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return csrForKey(t, commonName, key)
}

func csrForKey(t *testing.T, commonName string, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.CertificateRequest{Subject: pkix.Name{CommonName: commonName}}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	require.NoError(t, err)
	return der
}

func TestLoad_GeneratesAndPersistsRoot(t *testing.T) {
	c, _ := newCA(t)
	assert.Equal(t, "strato.test", c.TrustDomain())
	assert.NotEmpty(t, c.GetTrustBundle())
}

func TestLoad_ReusesPersistedRootOnSecondLoad(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	cfg := Config{TrustDomain: "strato.test", KeyPath: filepath.Join(dir, "root.key"), CertPath: filepath.Join(dir, "root.crt")}

	first, err := Load(cfg, store)
	require.NoError(t, err)
	second, err := Load(cfg, store)
	require.NoError(t, err)

	assert.Equal(t, first.GetTrustBundle(), second.GetTrustBundle())
}

func TestIssueCertificate_Succeeds(t *testing.T) {
	c, store := newCA(t)
	cert, der, err := c.IssueCertificate("agent-1", csrFor(t, "agent-1"), time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, der)
	assert.Equal(t, "agent-1", cert.SubjectAgentID)
	assert.Equal(t, "spiffe://strato.test/agent/agent-1", cert.SPIFFEURI)
	assert.Equal(t, models.CertificateActive, cert.Status)
	assert.NotNil(t, store.certs[cert.Serial])
}

func TestIssueCertificate_SubjectMismatch_Rejected(t *testing.T) {
	c, _ := newCA(t)
	_, _, err := c.IssueCertificate("agent-1", csrFor(t, "someone-else"), time.Hour)
	assert.Error(t, err)
}

func TestIssueCertificate_ValidityClampedToCeiling(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(Config{
		TrustDomain: "strato.test", KeyPath: filepath.Join(dir, "root.key"), CertPath: filepath.Join(dir, "root.crt"),
		MaxValidityDays: 1,
	}, newFakeStore())
	require.NoError(t, err)

	cert, _, err := c.IssueCertificate("agent-1", csrFor(t, "agent-1"), 365*24*time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), cert.NotAfter, time.Minute)
}

func TestIsActiveSerial(t *testing.T) {
	c, _ := newCA(t)
	cert, _, err := c.IssueCertificate("agent-1", csrFor(t, "agent-1"), time.Hour)
	require.NoError(t, err)

	active, err := c.IsActiveSerial("agent-1", cert.Serial)
	require.NoError(t, err)
	assert.True(t, active)

	active, err = c.IsActiveSerial("agent-2", cert.Serial)
	require.NoError(t, err)
	assert.False(t, active, "serial belongs to a different agent")
}

func TestRevokeCertificate_RemovesFromActiveSet(t *testing.T) {
	c, _ := newCA(t)
	cert, _, err := c.IssueCertificate("agent-1", csrFor(t, "agent-1"), time.Hour)
	require.NoError(t, err)

	require.NoError(t, c.RevokeCertificate(cert.Serial, "compromised"))

	active, err := c.IsActiveSerial("agent-1", cert.Serial)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestIssueCertificate_ReissueForSameAgent_SupersedesPrior(t *testing.T) {
	c, store := newCA(t)
	first, _, err := c.IssueCertificate("agent-1", csrFor(t, "agent-1"), time.Hour)
	require.NoError(t, err)

	second, _, err := c.IssueCertificate("agent-1", csrFor(t, "agent-1"), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, models.CertificateRevoked, store.certs[first.Serial].Status)
	assert.Equal(t, models.CertificateActive, store.certs[second.Serial].Status)
}

func TestIssueCertificate_SamePublicKeyDifferentAgent_Rejected(t *testing.T) {
	c, _ := newCA(t)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	_, _, err = c.IssueCertificate("agent-1", csrForKey(t, "agent-1", key), time.Hour)
	require.NoError(t, err)

	_, _, err = c.IssueCertificate("agent-2", csrForKey(t, "agent-2", key), time.Hour)
	assert.Error(t, err, "a CSR public key already bound to another agent's active certificate must be rejected")
}

func TestGenerateCRL_IncludesRevokedSerial(t *testing.T) {
	c, _ := newCA(t)
	cert, _, err := c.IssueCertificate("agent-1", csrFor(t, "agent-1"), time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.RevokeCertificate(cert.Serial, "compromised"))

	der, err := c.GenerateCRL()
	require.NoError(t, err)

	crl, err := x509.ParseRevocationList(der)
	require.NoError(t, err)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, cert.Serial, crl.RevokedCertificateEntries[0].SerialNumber.String())
}
