package db

import (
	"database/sql"
	"time"

	"github.com/strato-hq/strato/internal/models"
)

// CertDB persists issued/revoked certificates and satisfies internal/ca.Store.
type CertDB struct {
	db *sql.DB
}

func NewCertDB(db *sql.DB) *CertDB {
	return &CertDB{db: db}
}

func (c *CertDB) SaveCertificate(cert *models.Certificate) error {
	_, err := c.db.Exec(
		`INSERT INTO certificates (serial, subject_agent_id, spiffe_uri, public_key_fingerprint, issued_at, not_after, status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		cert.Serial, cert.SubjectAgentID, cert.SPIFFEURI, cert.PublicKeyFingerprint, cert.IssuedAt, cert.NotAfter, cert.Status)
	return err
}

func scanCert(row interface{ Scan(...interface{}) error }) (*models.Certificate, error) {
	cert := &models.Certificate{}
	var revokedAt sql.NullTime
	var revocationReason sql.NullString
	err := row.Scan(&cert.Serial, &cert.SubjectAgentID, &cert.SPIFFEURI, &cert.PublicKeyFingerprint, &cert.IssuedAt, &cert.NotAfter,
		&cert.Status, &revokedAt, &revocationReason)
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		cert.RevokedAt = &revokedAt.Time
	}
	if revocationReason.Valid {
		cert.RevocationReason = revocationReason.String
	}
	return cert, nil
}

const certColumns = `serial, subject_agent_id, spiffe_uri, public_key_fingerprint, issued_at, not_after, status, revoked_at, revocation_reason`

// ActiveCertificateForAgent returns the agent's current non-revoked
// certificate, most recently issued, if any.
func (c *CertDB) ActiveCertificateForAgent(agentID string) (*models.Certificate, error) {
	cert, err := scanCert(c.db.QueryRow(
		`SELECT `+certColumns+` FROM certificates WHERE subject_agent_id = $1 AND status = 'active'
		 ORDER BY issued_at DESC LIMIT 1`, agentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// ActiveCertificateForPublicKey returns the active certificate currently
// bound to fingerprint, if any, regardless of subject agent — used to
// refuse issuing a second identity over a CSR public key another agent
// already holds an active certificate for.
func (c *CertDB) ActiveCertificateForPublicKey(fingerprint string) (*models.Certificate, error) {
	cert, err := scanCert(c.db.QueryRow(
		`SELECT `+certColumns+` FROM certificates WHERE public_key_fingerprint = $1 AND status = 'active'
		 ORDER BY issued_at DESC LIMIT 1`, fingerprint))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cert, nil
}

func (c *CertDB) ActiveCertificateForSerial(serial string) (*models.Certificate, error) {
	cert, err := scanCert(c.db.QueryRow(`SELECT `+certColumns+` FROM certificates WHERE serial = $1`, serial))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cert, nil
}

func (c *CertDB) RevokeCertificate(serial string, reason string, at time.Time) error {
	_, err := c.db.Exec(
		`UPDATE certificates SET status = 'revoked', revoked_at = $1, revocation_reason = $2 WHERE serial = $3`,
		at, reason, serial)
	return err
}

func (c *CertDB) ListRevoked() ([]*models.Certificate, error) {
	rows, err := c.db.Query(`SELECT ` + certColumns + ` FROM certificates WHERE status = 'revoked' ORDER BY revoked_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Certificate
	for rows.Next() {
		cert, err := scanCert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, rows.Err()
}
