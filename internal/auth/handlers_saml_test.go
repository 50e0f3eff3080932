package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/strato-hq/strato/internal/models"
)

// MockSAMLAuthenticator mocks the SAML authenticator
type MockSAMLAuthenticator struct {
	mock.Mock
}

func (m *MockSAMLAuthenticator) GetMiddleware() *samlsp.Middleware {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*samlsp.Middleware)
}

func (m *MockSAMLAuthenticator) GetServiceProvider() *saml.ServiceProvider {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*saml.ServiceProvider)
}

func (m *MockSAMLAuthenticator) ExtractUserFromAssertion(assertion *saml.Assertion) (*UserInfo, error) {
	args := m.Called(assertion)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*UserInfo), args.Error(1)
}

// MockUserDB mocks the user database
type MockUserDB struct {
	mock.Mock
}

func (m *MockUserDB) VerifyPassword(ctx context.Context, username, password string) (*models.User, error) {
	args := m.Called(ctx, username, password)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserDB) GetUser(ctx context.Context, id string) (*models.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserDB) CreateUser(ctx context.Context, orgID string, req *models.CreateUserRequest) (*models.User, error) {
	args := m.Called(ctx, orgID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserDB) UpdateUser(ctx context.Context, userID string, req *models.UpdateUserRequest) error {
	args := m.Called(ctx, userID, req)
	return args.Error(0)
}

func (m *MockUserDB) UpdatePassword(ctx context.Context, userID, password string) error {
	args := m.Called(ctx, userID, password)
	return args.Error(0)
}

func (m *MockUserDB) GetUserGroups(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return []string{}, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockUserDB) AddUserToGroup(ctx context.Context, userID, groupName string) error {
	args := m.Called(ctx, userID, groupName)
	return args.Error(0)
}

func (m *MockUserDB) DB() *sql.DB {
	return nil
}

// MockJWTManager mocks the JWT manager
type MockJWTManager struct {
	mock.Mock
}

func (m *MockJWTManager) GenerateTokenWithContext(ctx context.Context, userID, username, email, orgID, role string, groups []string, ipAddress, userAgent string) (string, error) {
	args := m.Called(ctx, userID, username, email, orgID, role, groups, ipAddress, userAgent)
	return args.String(0), args.Error(1)
}

func (m *MockJWTManager) RefreshToken(token string) (string, error) {
	args := m.Called(token)
	return args.String(0), args.Error(1)
}

func (m *MockJWTManager) ValidateToken(token string) (*Claims, error) {
	args := m.Called(token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Claims), args.Error(1)
}

func (m *MockJWTManager) InvalidateSession(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *MockJWTManager) GetTokenDuration() time.Duration {
	return 24 * time.Hour
}

const testDefaultOrgID = "org-default"

func TestSAMLLogin_NotConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mockUserDB := new(MockUserDB)
	mockJWT := new(MockJWTManager)

	// Create handler without SAML (nil)
	handler := NewAuthHandler(mockUserDB, mockJWT, nil, testDefaultOrgID)

	// Create test context
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/auth/saml/login", nil)

	// Call handler
	handler.SAMLLogin(c)

	// Assert
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var response map[string]string
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Contains(t, response["error"], "not configured")
}

func TestSAMLLogin_WithConfiguration(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mockUserDB := new(MockUserDB)
	mockJWT := new(MockJWTManager)
	mockSAML := new(MockSAMLAuthenticator)

	// Mock middleware
	mockMiddleware := &samlsp.Middleware{}
	mockSAML.On("GetMiddleware").Return(mockMiddleware)

	handler := NewAuthHandler(mockUserDB, mockJWT, mockSAML, testDefaultOrgID)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/auth/saml/login?return_url=/dashboard", nil)

	// Note: This test verifies that SAML is called, but we can't test the redirect
	// without a full SAML middleware implementation
	// For this test, we expect it to panic or fail because mockMiddleware is empty
	// But we just want to verify GetMiddleware is called
	assert.Panics(t, func() { handler.SAMLLogin(c) })
}

func TestSAMLCallback_NotConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mockUserDB := new(MockUserDB)
	mockJWT := new(MockJWTManager)

	handler := NewAuthHandler(mockUserDB, mockJWT, nil, testDefaultOrgID)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/auth/saml/acs", nil)

	handler.SAMLCallback(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var response map[string]string
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Contains(t, response["error"], "not configured")
}

func TestSAMLCallback_NoAssertion(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mockUserDB := new(MockUserDB)
	mockJWT := new(MockJWTManager)
	mockSAML := new(MockSAMLAuthenticator)

	handler := NewAuthHandler(mockUserDB, mockJWT, mockSAML, testDefaultOrgID)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/auth/saml/acs", nil)
	// No assertion set in context

	handler.SAMLCallback(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var response map[string]string
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Contains(t, response["error"], "No SAML assertion")
}

func TestSAMLCallback_MissingEmail(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mockUserDB := new(MockUserDB)
	mockJWT := new(MockJWTManager)
	mockSAML := new(MockSAMLAuthenticator)

	// Mock user attributes with empty email
	mockSAML.On("ExtractUserFromAssertion", mock.Anything).Return(&UserInfo{
		Email:     "", // Missing email
		FirstName: "Test",
		LastName:  "User",
		Groups:    []string{},
	}, nil)

	handler := NewAuthHandler(mockUserDB, mockJWT, mockSAML, testDefaultOrgID)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/auth/saml/acs", nil)
	c.Set("saml_assertion", &saml.Assertion{})

	handler.SAMLCallback(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var response map[string]string
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Contains(t, response["error"], "missing required email")
}

func TestSAMLCallback_CreateNewUser(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mockUserDB := new(MockUserDB)
	mockJWT := new(MockJWTManager)
	mockSAML := new(MockSAMLAuthenticator)

	// Mock user attributes
	mockSAML.On("ExtractUserFromAssertion", mock.Anything).Return(&UserInfo{
		Email:     "test@example.com",
		FirstName: "Test",
		LastName:  "User",
		Groups:    []string{"group1"},
	}, nil)

	// User doesn't exist
	mockUserDB.On("GetUserByEmail", mock.Anything, "test@example.com").Return(nil, nil)

	// Create new user
	newUser := &models.User{
		ID:          "user123",
		OrgID:       testDefaultOrgID,
		Username:    "test@example.com",
		Email:       "test@example.com",
		DisplayName: "Test User",
		Provider:    "saml",
		OrgRole:     "user",
		Active:      true,
	}
	mockUserDB.On("CreateUser", mock.Anything, testDefaultOrgID, mock.AnythingOfType("*models.CreateUserRequest")).Return(newUser, nil)

	// Add user to group
	mockUserDB.On("AddUserToGroup", mock.Anything, "user123", "group1").Return(nil)

	// Get user groups
	mockUserDB.On("GetUserGroups", mock.Anything, "user123").Return([]string{"group1"}, nil)

	// Generate JWT token
	mockJWT.On("GenerateTokenWithContext", mock.Anything, "user123", "test@example.com", "test@example.com", testDefaultOrgID, "user", []string{"group1"}, mock.Anything, mock.Anything).Return("jwt-token-123", nil)
	mockJWT.On("GetTokenDuration").Return(24 * time.Hour)

	handler := NewAuthHandler(mockUserDB, mockJWT, mockSAML, testDefaultOrgID)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/auth/saml/acs", nil)
	c.Set("saml_assertion", &saml.Assertion{})

	handler.SAMLCallback(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Equal(t, "jwt-token-123", response["token"])

	mockUserDB.AssertExpectations(t)
	mockJWT.AssertExpectations(t)
	mockSAML.AssertExpectations(t)
}

func TestSAMLCallback_UpdateExistingUser(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mockUserDB := new(MockUserDB)
	mockJWT := new(MockJWTManager)
	mockSAML := new(MockSAMLAuthenticator)

	// Mock user attributes
	mockSAML.On("ExtractUserFromAssertion", mock.Anything).Return(&UserInfo{
		Email:     "existing@example.com",
		FirstName: "Updated",
		LastName:  "Name",
		Groups:    []string{},
	}, nil)

	// User already exists
	existingUser := &models.User{
		ID:          "user456",
		OrgID:       testDefaultOrgID,
		Username:    "existing@example.com",
		Email:       "existing@example.com",
		DisplayName: "Old Name",
		Provider:    "saml",
		OrgRole:     "user",
		Active:      true,
	}
	mockUserDB.On("GetUserByEmail", mock.Anything, "existing@example.com").Return(existingUser, nil)

	// Update user
	mockUserDB.On("UpdateUser", mock.Anything, "user456", mock.AnythingOfType("*models.UpdateUserRequest")).Return(nil)

	// Get user groups
	mockUserDB.On("GetUserGroups", mock.Anything, "user456").Return([]string{}, nil)

	// Generate JWT token
	mockJWT.On("GenerateTokenWithContext", mock.Anything, "user456", "existing@example.com", "existing@example.com", testDefaultOrgID, "user", []string{}, mock.Anything, mock.Anything).Return("jwt-token-456", nil)
	mockJWT.On("GetTokenDuration").Return(24 * time.Hour)

	handler := NewAuthHandler(mockUserDB, mockJWT, mockSAML, testDefaultOrgID)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/auth/saml/acs", nil)
	c.Set("saml_assertion", &saml.Assertion{})

	handler.SAMLCallback(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Equal(t, "jwt-token-456", response["token"])

	mockUserDB.AssertExpectations(t)
	mockJWT.AssertExpectations(t)
	mockSAML.AssertExpectations(t)
}

func TestSAMLCallback_InactiveUser(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mockUserDB := new(MockUserDB)
	mockJWT := new(MockJWTManager)
	mockSAML := new(MockSAMLAuthenticator)

	mockSAML.On("ExtractUserFromAssertion", mock.Anything).Return(&UserInfo{
		Email:     "inactive@example.com",
		FirstName: "Inactive",
		LastName:  "User",
		Groups:    []string{},
	}, nil)

	// User exists but is inactive
	inactiveUser := &models.User{
		ID:          "user789",
		Username:    "inactive@example.com",
		Email:       "inactive@example.com",
		DisplayName: "Inactive User",
		Provider:    "saml",
		OrgRole:     "user",
		Active:      false, // Inactive!
	}
	mockUserDB.On("GetUserByEmail", mock.Anything, "inactive@example.com").Return(inactiveUser, nil)
	mockUserDB.On("UpdateUser", mock.Anything, "user789", mock.AnythingOfType("*models.UpdateUserRequest")).Return(nil)

	handler := NewAuthHandler(mockUserDB, mockJWT, mockSAML, testDefaultOrgID)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/auth/saml/acs", nil)
	c.Set("saml_assertion", &saml.Assertion{})

	handler.SAMLCallback(c)

	assert.Equal(t, http.StatusForbidden, w.Code)
	var response map[string]string
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Contains(t, response["error"], "disabled")
}

func TestSAMLMetadata_NotConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mockUserDB := new(MockUserDB)
	mockJWT := new(MockJWTManager)

	handler := NewAuthHandler(mockUserDB, mockJWT, nil, testDefaultOrgID)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/auth/saml/metadata", nil)

	handler.SAMLMetadata(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var response map[string]string
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Contains(t, response["error"], "not configured")
}

func TestSAMLMetadata_NilServiceProvider(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mockUserDB := new(MockUserDB)
	mockJWT := new(MockJWTManager)
	mockSAML := new(MockSAMLAuthenticator)

	// SP is nil
	mockSAML.On("GetServiceProvider").Return(nil)

	handler := NewAuthHandler(mockUserDB, mockJWT, mockSAML, testDefaultOrgID)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/auth/saml/metadata", nil)

	handler.SAMLMetadata(c)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var response map[string]string
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Contains(t, response["error"], "not initialized")
}
