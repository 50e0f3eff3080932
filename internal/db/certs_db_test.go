package db

import (
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strato-hq/strato/internal/models"
)

var certColumnNames = []string{"serial", "subject_agent_id", "spiffe_uri", "public_key_fingerprint", "issued_at", "not_after", "status", "revoked_at", "revocation_reason"}

func TestSaveCertificate(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	certDB := NewCertDB(mockDB)
	mock.ExpectExec("INSERT INTO certificates").WillReturnResult(sqlmock.NewResult(0, 1))

	cert := &models.Certificate{Serial: "s1", SubjectAgentID: "agent-1", SPIFFEURI: "spiffe://strato/agent/agent-1",
		PublicKeyFingerprint: "fp1", IssuedAt: time.Now(), NotAfter: time.Now().Add(24 * time.Hour), Status: models.CertificateActive}
	require.NoError(t, certDB.SaveCertificate(cert))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveCertificateForAgent_Found(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	certDB := NewCertDB(mockDB)
	now := time.Now()
	rows := sqlmock.NewRows(certColumnNames).
		AddRow("s1", "agent-1", "spiffe://strato/agent/agent-1", "fp1", now, now.Add(24*time.Hour), "active", nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM certificates WHERE subject_agent_id").WillReturnRows(rows)

	cert, err := certDB.ActiveCertificateForAgent("agent-1")
	require.NoError(t, err)
	require.NotNil(t, cert)
	assert.Equal(t, "s1", cert.Serial)
	assert.Equal(t, "fp1", cert.PublicKeyFingerprint)
	assert.Nil(t, cert.RevokedAt)
}

func TestActiveCertificateForAgent_NotFound(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	certDB := NewCertDB(mockDB)
	mock.ExpectQuery("SELECT (.+) FROM certificates WHERE subject_agent_id").WillReturnError(sql.ErrNoRows)

	cert, err := certDB.ActiveCertificateForAgent("ghost")
	require.NoError(t, err)
	assert.Nil(t, cert)
}

func TestActiveCertificateForSerial_Found(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	certDB := NewCertDB(mockDB)
	now := time.Now()
	rows := sqlmock.NewRows(certColumnNames).
		AddRow("s1", "agent-1", "spiffe://strato/agent/agent-1", "fp1", now, now.Add(24*time.Hour), "active", nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM certificates WHERE serial").WillReturnRows(rows)

	cert, err := certDB.ActiveCertificateForSerial("s1")
	require.NoError(t, err)
	require.NotNil(t, cert)
	assert.Equal(t, "agent-1", cert.SubjectAgentID)
}

func TestActiveCertificateForPublicKey_FoundAndNotFound(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	certDB := NewCertDB(mockDB)
	now := time.Now()
	rows := sqlmock.NewRows(certColumnNames).
		AddRow("s1", "agent-1", "spiffe://strato/agent/agent-1", "fp1", now, now.Add(24*time.Hour), "active", nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM certificates WHERE public_key_fingerprint").WillReturnRows(rows)

	cert, err := certDB.ActiveCertificateForPublicKey("fp1")
	require.NoError(t, err)
	require.NotNil(t, cert)
	assert.Equal(t, "agent-1", cert.SubjectAgentID)

	mock.ExpectQuery("SELECT (.+) FROM certificates WHERE public_key_fingerprint").WillReturnError(sql.ErrNoRows)
	cert, err = certDB.ActiveCertificateForPublicKey("unknown")
	require.NoError(t, err)
	assert.Nil(t, cert)
}

func TestRevokeCertificate(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	certDB := NewCertDB(mockDB)
	mock.ExpectExec("UPDATE certificates SET status = 'revoked'").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, certDB.RevokeCertificate("s1", "compromised", time.Now()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRevoked(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	certDB := NewCertDB(mockDB)
	now := time.Now()
	rows := sqlmock.NewRows(certColumnNames).
		AddRow("s1", "agent-1", "spiffe://strato/agent/agent-1", "fp1", now, now.Add(24*time.Hour), "revoked", now, "compromised")
	mock.ExpectQuery("SELECT (.+) FROM certificates WHERE status = 'revoked'").WillReturnRows(rows)

	certs, err := certDB.ListRevoked()
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, models.CertificateRevoked, certs[0].Status)
	require.NotNil(t, certs[0].RevokedAt)
	assert.Equal(t, "compromised", certs[0].RevocationReason)
}
