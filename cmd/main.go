package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/strato-hq/strato/internal/agentchannel"
	"github.com/strato-hq/strato/internal/auth"
	"github.com/strato-hq/strato/internal/authz"
	"github.com/strato-hq/strato/internal/ca"
	"github.com/strato-hq/strato/internal/cache"
	"github.com/strato-hq/strato/internal/config"
	"github.com/strato-hq/strato/internal/db"
	"github.com/strato-hq/strato/internal/enrollment"
	"github.com/strato-hq/strato/internal/eventbus"
	"github.com/strato-hq/strato/internal/handlers"
	"github.com/strato-hq/strato/internal/lifecycle"
	"github.com/strato-hq/strato/internal/logger"
	"github.com/strato-hq/strato/internal/middleware"
	"github.com/strato-hq/strato/internal/models"
	"github.com/strato-hq/strato/internal/quota"
	"github.com/strato-hq/strato/internal/registry"
	"github.com/strato-hq/strato/internal/scheduler"
)

// enrollmentStore bridges internal/db's per-concern stores into the single
// internal/enrollment.Store interface: join tokens and agent rows live in
// separate tables, but enrollment treats them as one persistence boundary.
type enrollmentStore struct {
	joinTokens *db.JoinTokenDB
	agents     *db.AgentDB
}

func (s enrollmentStore) SaveJoinToken(token *models.JoinToken) error {
	return s.joinTokens.SaveJoinToken(token)
}
func (s enrollmentStore) ConsumeJoinToken(id string, at time.Time) (*models.JoinToken, error) {
	return s.joinTokens.ConsumeJoinToken(id, at)
}
func (s enrollmentStore) UpsertAgentConnecting(agentID string, req models.RegisterAgentRequest) error {
	return s.agents.UpsertAgentConnecting(agentID, req)
}

// quotaStore bridges the hierarchy's ancestor-chain walk and the quota
// table's reservation bookkeeping into internal/quota.Store.
type quotaStore struct {
	*db.QuotaDB
	hierarchy *db.HierarchyDB
}

func (s quotaStore) ScopeChain(projectID string) ([]quota.ScopeRef, error) {
	return s.hierarchy.ScopeChain(projectID)
}

// lifecycleStore bridges VM persistence and project lookup into
// internal/lifecycle.Store.
type lifecycleStore struct {
	*db.VMDB
	hierarchy *db.HierarchyDB
}

func (s lifecycleStore) GetProject(projectID string) (*models.Project, error) {
	return s.hierarchy.GetProject(context.Background(), projectID)
}

func main() {
	cfg, err := config.Load(getEnv("CONFIG_FILE", "./config.yaml"))
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)

	dbConfig, err := db.ConfigFromURL(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("parsing DATABASE_URL: %v", err)
	}
	logger.Database().Info().Str("host", dbConfig.Host).Str("dbname", dbConfig.DBName).Msg("connecting to database")
	database, err := db.NewDatabase(dbConfig)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		log.Fatalf("running migrations: %v", err)
	}

	redisCache, err := cache.NewCache(cache.Config{Enabled: false})
	if cfg.RedisAddr != "" {
		host, port, splitErr := net.SplitHostPort(cfg.RedisAddr)
		if splitErr != nil {
			log.Fatalf("invalid REDIS_ADDR %q: %v", cfg.RedisAddr, splitErr)
		}
		redisCache, err = cache.NewCache(cache.Config{Host: host, Port: port, Enabled: true})
	}
	if err != nil {
		log.Printf("redis cache unavailable, continuing without it: %v", err)
		redisCache, _ = cache.NewCache(cache.Config{Enabled: false})
	}
	defer redisCache.Close()

	// Identity Service: the control plane's own CA, root of every agent's
	// mTLS identity.
	identityService, err := ca.Load(ca.Config{
		TrustDomain:      cfg.TrustDomain,
		KeyPath:          cfg.CAKeyPath,
		CertPath:         cfg.CACertPath,
		MaxValidityDays:  cfg.CertMaxValidityDays,
		CRLIntervalHours: 24,
	}, db.NewCertDB(database.DB()))
	if err != nil {
		log.Fatalf("loading CA: %v", err)
	}

	agentDB := db.NewAgentDB(database.DB())
	joinTokenDB := db.NewJoinTokenDB(database.DB())
	hierarchyDB := db.NewHierarchyDB(database.DB())
	vmDB := db.NewVMDB(database.DB())
	quotaDB := db.NewQuotaDB(database.DB())
	userDB := db.NewUserDB(database.DB())
	groupDB := db.NewGroupDB(database.DB())
	apiKeyDB := db.NewAPIKeyDB(database.DB())

	enrollmentService := enrollment.NewService(identityService, enrollmentStore{joinTokens: joinTokenDB, agents: agentDB})

	agentRegistry := registry.New(time.Duration(cfg.AgentHeartbeatWindowSecs)*time.Second, agentDB)
	stopSweepers := make(chan struct{})
	go agentRegistry.RunSweeper(30*time.Second, stopSweepers)

	if !scheduler.ValidStrategy(cfg.SchedulingStrategy) {
		log.Fatalf("invalid SCHEDULING_STRATEGY: %s", cfg.SchedulingStrategy)
	}
	vmScheduler := scheduler.New(
		scheduler.Strategy(cfg.SchedulingStrategy),
		scheduler.BestFitWeights{Alpha: cfg.Scheduling.BestFitAlpha, Beta: cfg.Scheduling.BestFitBeta},
		time.Now().UnixNano(),
	)

	quotaLedger := quota.New(quotaStore{QuotaDB: quotaDB, hierarchy: hierarchyDB})
	go quotaLedger.RunSweeper(time.Minute, time.Duration(cfg.ReservationTTLSecs)*time.Second, stopSweepers)

	authzClient := authz.NewClient(cfg.PermissionStoreEndpoint, cfg.PermissionStoreToken, 5*time.Second)

	// Event fan-out is best-effort: Connect degrades to a disabled sink if
	// NATSURL is empty or the dial fails, VM command/reply traffic on the
	// Agent Channel is unaffected either way.
	eventSink := eventbus.Connect(cfg.NATSURL)
	defer eventSink.Close()

	agentHub := agentchannel.NewHub(agentRegistry, identityService, eventSink)

	coordinator := lifecycle.New(quotaLedger, agentRegistry, vmScheduler, authzClient, agentHub,
		lifecycleStore{VMDB: vmDB, hierarchy: hierarchyDB})

	// Rebuild Registry reservations from the persisted VM table before
	// serving traffic: agents reconnecting after a restart must not be
	// handed VMs they're already running.
	if err := coordinator.Reconcile(); err != nil {
		log.Printf("reconciling active VMs: %v", err)
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(gin.Recovery())
	router.Use(middleware.StructuredLoggerWithConfigFunc(middleware.DefaultStructuredLoggerConfig()))
	router.Use(middleware.Timeout(middleware.DefaultTimeoutConfig()))
	router.Use(middleware.AllowedHTTPMethods())
	router.Use(corsMiddleware())
	router.Use(middleware.SecurityHeaders())
	inputValidator := middleware.NewInputValidator()
	router.Use(inputValidator.Middleware())
	router.Use(inputValidator.SanitizeJSONMiddleware())
	router.Use(middleware.RequestSizeLimiter(10 * 1024 * 1024))
	router.Use(middleware.NewAuditLogger(database, false).Middleware())
	router.Use(middleware.GzipWithExclusions(middleware.BestSpeed, []string{"/api/v1/enroll", "/ws", "/metrics"}))
	router.Use(cache.CacheControl(5 * time.Minute))

	jwtManager := auth.NewJWTManagerWithSessions(&auth.JWTConfig{
		SecretKey:     cfg.JWTSecret,
		Issuer:        "strato",
		TokenDuration: 24 * time.Hour,
	}, redisCache)

	// SAML and OIDC are both optional human-user SSO providers: the control
	// plane starts without either configured, degrading those routes to
	// "not configured" responses.
	var samlAuth auth.SAMLService
	if cfg.SAML.Enabled {
		cert, certErr := auth.LoadCertificate(cfg.SAML.CertPath)
		key, keyErr := auth.LoadPrivateKey(cfg.SAML.KeyPath)
		if certErr != nil || keyErr != nil {
			log.Printf("SAML enabled but SP cert/key could not be loaded (cert: %v, key: %v); SAML routes disabled", certErr, keyErr)
		} else {
			providerCfg := auth.GetProviderConfig(auth.SAMLProvider(cfg.SAML.Provider))
			sa, err := auth.NewSAMLAuthenticator(&auth.SAMLConfig{
				Enabled:          true,
				EntityID:         cfg.SAML.EntityID,
				MetadataURL:      cfg.SAML.MetadataURL,
				Certificate:      cert,
				PrivateKey:       key,
				AttributeMapping: providerCfg.DefaultMapping,
			})
			if err != nil {
				log.Printf("initializing SAML authenticator: %v; SAML routes disabled", err)
			} else {
				samlAuth = sa
			}
		}
	}

	authHandler := auth.NewAuthHandler(userDB, jwtManager, samlAuth, cfg.DefaultSSOOrgID)

	var oidcAuth *auth.OIDCAuthenticator
	if cfg.OIDC.Enabled {
		oidcProviderCfg := auth.GetOIDCProviderConfig(auth.OIDCProvider(cfg.OIDC.Provider))
		oa, err := auth.NewOIDCAuthenticator(&auth.OIDCConfig{
			Enabled:       true,
			ProviderURL:   cfg.OIDC.ProviderURL,
			ClientID:      cfg.OIDC.ClientID,
			ClientSecret:  cfg.OIDC.ClientSecret,
			RedirectURI:   cfg.OIDC.RedirectURI,
			Scopes:        oidcProviderCfg.DefaultScopes,
			UsernameClaim: oidcProviderCfg.UsernameClaim,
			EmailClaim:    oidcProviderCfg.EmailClaim,
			GroupsClaim:   oidcProviderCfg.GroupsClaim,
		})
		if err != nil {
			log.Printf("initializing OIDC authenticator: %v; OIDC routes disabled", err)
		} else {
			oidcAuth = oa
		}
	}
	userHandler := handlers.NewUserHandler(userDB, groupDB)
	groupHandler := handlers.NewGroupHandler(groupDB, userDB)
	apiKeyHandler := handlers.NewAPIKeyHandler(apiKeyDB)
	hierarchyHandler := handlers.NewHierarchyHandler(hierarchyDB)
	quotasHandler := handlers.NewQuotasHandler(quotaDB)
	vmHandler := handlers.NewVMHandler(coordinator, vmDB)
	agentHandler := handlers.NewAgentHandler(agentDB, agentRegistry, enrollmentService, identityService, agentHub)
	enrollmentHandler := handlers.NewEnrollmentHandler(enrollmentService, identityService)
	auditHandler := handlers.NewAuditHandler(database)
	setupHandler := handlers.NewSetupHandler(database)

	// Bootstrap provisioning: no session auth, the join token is the
	// credential.
	bootstrap := router.Group("/api/v1")
	enrollmentHandler.RegisterRoutes(bootstrap)
	setupHandler.RegisterRoutes(bootstrap)
	authHandler.RegisterRoutes(bootstrap.Group("/auth"))

	if oidcAuth != nil {
		oidcUserManager := auth.NewOIDCUserManager(userDB, cfg.DefaultSSOOrgID)
		oidcRoutes := bootstrap.Group("/auth/oidc")
		oidcRoutes.GET("/login", oidcAuth.OIDCLoginHandler)
		oidcRoutes.GET("/callback", oidcAuth.OIDCCallbackHandler(oidcUserManager))
	}

	// Authenticated human-facing API, scoped to the caller's organization.
	api := router.Group("/api/v1")
	api.Use(middleware.APIKeyOrJWTMiddleware(jwtManager, apiKeyDB, userDB))
	userHandler.RegisterRoutes(api)
	groupHandler.RegisterRoutes(api)
	apiKeyHandler.RegisterRoutes(api)
	hierarchyHandler.RegisterRoutes(api)
	quotasHandler.RegisterRoutes(api)
	vmHandler.RegisterRoutes(api)
	agentHandler.RegisterRoutes(api)
	auditHandler.RegisterRoutes(api)

	// The persistent Agent Channel: one long-lived mTLS WebSocket per
	// hypervisor host, never a REST resource.
	router.GET("/api/v1/agent-channel", agentHub.HandleConnection)

	var tlsConfig *tls.Config
	if cfg.AgentCACertFile != "" {
		caCert, err := os.ReadFile(cfg.AgentCACertFile)
		if err != nil {
			log.Fatalf("reading agent CA certificate: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			log.Fatalf("parsing agent CA certificate")
		}
		tlsConfig = &tls.Config{
			ClientCAs:  pool,
			ClientAuth: tls.VerifyClientCertIfGiven,
			MinVersion: tls.VersionTLS12,
		}
		if cfg.RequireClientCert {
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		TLSConfig:         tlsConfig,
	}

	go func() {
		logger.HTTP().Info().Str("port", cfg.HTTPPort).Msg("control plane listening")
		var err error
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("serving: %v", err)
		}
	}()

	quitCh := make(chan os.Signal, 1)
	signal.Notify(quitCh, syscall.SIGINT, syscall.SIGTERM)
	<-quitCh

	logger.HTTP().Info().Msg("shutting down")
	close(stopSweepers)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("forced shutdown: %v", err)
	}
}

func corsMiddleware() gin.HandlerFunc {
	allowed := getEnv("CORS_ALLOWED_ORIGINS", "")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && (allowed == "*" || containsOrigin(allowed, origin)) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func containsOrigin(list, origin string) bool {
	start := 0
	for i := 0; i <= len(list); i++ {
		if i == len(list) || list[i] == ',' {
			if list[start:i] == origin {
				return true
			}
			start = i + 1
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
