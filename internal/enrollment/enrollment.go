// Package enrollment implements the bootstrap handshake that turns a signed
// join token and a CSR into an active agent identity.
package enrollment

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/ca"
	"github.com/strato-hq/strato/internal/logger"
	"github.com/strato-hq/strato/internal/models"
)

// Store persists join tokens and upserts agent records on successful
// enrollment. Implemented by internal/db.
type Store interface {
	SaveJoinToken(token *models.JoinToken) error
	ConsumeJoinToken(id string, at time.Time) (*models.JoinToken, error)
	UpsertAgentConnecting(agentID string, req models.RegisterAgentRequest) error
}

// Service mints join tokens and enrolls agents.
type Service struct {
	ca    *ca.CA
	store Store
}

func NewService(identityService *ca.CA, store Store) *Service {
	return &Service{ca: identityService, store: store}
}

const maxJoinTokenTTL = 15 * time.Minute

// MintJoinToken issues a single-use, short-lived bearer value binding
// agentID. The returned plain token is shown once; only its hash is stored.
func (s *Service) MintJoinToken(agentID, createdBy string, ttl time.Duration) (plainToken string, expiresAt time.Time, err error) {
	if ttl <= 0 || ttl > maxJoinTokenTTL {
		ttl = maxJoinTokenTTL
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, apierr.Internal("generating join token", err)
	}
	plain := base64.RawURLEncoding.EncodeToString(raw)
	hash := hashToken(plain)

	expiresAt = time.Now().Add(ttl)
	tok := &models.JoinToken{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		TokenHash: hash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
		CreatedBy: createdBy,
	}

	if err := s.store.SaveJoinToken(tok); err != nil {
		return "", time.Time{}, apierr.PersistenceUnavailable(err)
	}

	// The plain token is <tokenId>.<secret> so Enroll can look it up by id
	// without a full-table scan, then verify the secret by hash comparison.
	return tok.ID + "." + plain, expiresAt, nil
}

func hashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// Enroll verifies the bearer token, binds it to the CSR's subject, issues a
// certificate via the Identity Service, and upserts the Agent record as
// connecting.
func (s *Service) Enroll(bearerToken string, csrPEM []byte, metadata models.RegisterAgentRequest) (certPEM, trustBundlePEM []byte, err error) {
	tokenID, secret, ok := splitBearer(bearerToken)
	if !ok {
		return nil, nil, apierr.New(apierr.KindInvalidToken, "malformed join token")
	}

	consumed, err := s.store.ConsumeJoinToken(tokenID, time.Now())
	if err != nil {
		return nil, nil, apierr.PersistenceUnavailable(err)
	}
	if consumed == nil {
		return nil, nil, apierr.New(apierr.KindInvalidToken, "unknown join token")
	}
	if consumed.UsedAt != nil {
		return nil, nil, apierr.New(apierr.KindTokenAlreadyUsed, "join token already used")
	}
	if time.Now().After(consumed.ExpiresAt) {
		return nil, nil, apierr.New(apierr.KindTokenExpired, "join token expired")
	}
	if hashToken(secret) != consumed.TokenHash {
		return nil, nil, apierr.New(apierr.KindInvalidToken, "join token secret mismatch")
	}

	block, err := decodePEMCSR(csrPEM)
	if err != nil {
		return nil, nil, apierr.BadRequest(err.Error())
	}

	cert, der, err := s.ca.IssueCertificate(consumed.AgentID, block, 0)
	if err != nil {
		return nil, nil, err
	}
	if cert.SubjectAgentID != consumed.AgentID {
		return nil, nil, apierr.New(apierr.KindSubjectMismatch, "issued certificate subject mismatch")
	}

	if err := s.store.UpsertAgentConnecting(consumed.AgentID, metadata); err != nil {
		return nil, nil, apierr.PersistenceUnavailable(err)
	}

	logger.Enrollment().Info().Str("agent_id", consumed.AgentID).Msg("agent enrolled")

	return encodeCertPEM(der), s.ca.GetTrustBundle(), nil
}

func splitBearer(token string) (id, secret string, ok bool) {
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}

func decodePEMCSR(csrPEM []byte) ([]byte, error) {
	block, rest := pemDecode(csrPEM)
	if block == nil {
		return nil, fmt.Errorf("invalid CSR PEM")
	}
	_ = rest
	return block, nil
}
