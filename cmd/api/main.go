package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/darmolhimon/api/internal/di"
	"github.com/darmolhimon/api/internal/domain"
	"github.com/darmolhimon/api/internal/handlers"
	"github.com/darmolhimon/api/internal/payments"
	"github.com/darmolhimon/api/internal/platform/auth"
	"github.com/darmolhimon/api/internal/platform/config"
	pfirestore "github.com/darmolhimon/api/internal/platform/firestore"
	"github.com/darmolhimon/api/internal/platform/idempotency"
	"github.com/darmolhimon/api/internal/platform/jobs"
	"github.com/darmolhimon/api/internal/platform/observability"
	"github.com/darmolhimon/api/internal/platform/secrets"
	platformstorage "github.com/darmolhimon/api/internal/platform/storage"
	"github.com/darmolhimon/api/internal/repositories"
	firestoreRepo "github.com/darmolhimon/api/internal/repositories/firestore"
	"github.com/darmolhimon/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	requiredSecrets := requiredSecretNames(envValues)
	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecrets...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	signerKey := strings.TrimSpace(cfg.Storage.SignerKey)
	if signerKey == "" {
		logger.Fatal("storage signer key is required")
	}
	signer, err := platformstorage.NewServiceAccountSignerFromJSON([]byte(signerKey))
	if err != nil {
		logger.Fatal("failed to parse storage signer key", zap.Error(err))
	}
	signedURLClient, err := platformstorage.NewClient(signer)
	if err != nil {
		logger.Fatal("failed to initialise signed url client", zap.Error(err))
	}

	healthRepo, err := newHealthRepository(firestoreClient, fetcher)
	if err != nil {
		logger.Fatal("failed to initialise health repository", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreRepo.RegistryDeps{
		Provider: firestoreProvider,
		Health:   healthRepo,
	})
	if err != nil {
		logger.Fatal("failed to initialise repository registry", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	paymentManager, err := newPaymentManager(cfg, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	var eventPublisher services.OrderEventPublisher
	if topicName := strings.TrimSpace(cfg.PubSub.OrderEventsTopic); topicName != "" {
		pubsubClient, err := pubsub.NewClient(ctx, traceProjectID(cfg))
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := pubsubClient.Topic(topicName)
		defer func() {
			topic.Stop()
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		eventPublisher, err = jobs.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
	}

	container, err := di.NewContainer(ctx, cfg, registry, di.Dependencies{
		Gateways: paymentManager,
		Storage:  signedURLClient,
		Events:   eventPublisher,
		Build:    buildInfo,
		Logger:   zapEventLogger(logger.Named("services")),
	})
	if err != nil {
		logger.Fatal("failed to build service container", zap.Error(err))
	}

	storeSettings := container.Services.Settings.Current()
	if err := paymentManager.ApplyGatewaySettings(ctx, gatewayOptionsFromSettings(storeSettings)); err != nil {
		logger.Warn("payment gateway settings apply error", zap.Error(err))
	}

	bookHandlers := handlers.NewBookHandlers(container.Services.Books)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, container.Services.Checkout, container.Services.Shipping, container.Services.Payments)
	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders)
	reviewHandlers := handlers.NewReviewHandlers(authenticator, container.Services.Reviews)
	shippingHandlers := handlers.NewShippingHandlers(authenticator, container.Services.Shipping, container.Services.Orders)
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, container.Services.Payments)
	settingsHandlers := handlers.NewSettingsHandlers(container.Services.Settings)
	auditHandlers := handlers.NewAuditLogHandlers(container.Services.Audit)
	downloadHandlers := handlers.NewDownloadHandlers(
		container.Services.Downloads,
		handlers.WithDownloadRateLimit(cfg.Downloads.RateLimitPerMinute, time.Minute),
	)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		idempotencyMiddleware,
	}

	adminRoutes := func(r chi.Router) {
		orderHandlers.AdminRoutes(r)
		paymentHandlers.AdminRoutes(r)
		shippingHandlers.AdminRoutes(r)
		reviewHandlers.AdminRoutes(r)
		settingsHandlers.AdminRoutes(r)
		auditHandlers.AdminRoutes(r)
	}

	taskHandlers := handlers.NewTaskHandlers(container.Services.Orders, container.Services.Settings)
	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg)

	hmacMiddleware := buildHMACMiddleware(logger.Named("auth"), cfg)
	webhookRoutes := func(r chi.Router) {
		paymentHandlers.WebhookRoutes(r)
		if hmacMiddleware != nil {
			r.Group(func(g chi.Router) {
				g.Use(hmacMiddleware)
				shippingHandlers.WebhookRoutes(g)
			})
		}
	}

	routerOpts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithBookRoutes(bookHandlers.Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithReviewRoutes(reviewHandlers.Routes),
		handlers.WithDownloadRoutes(downloadHandlers.Routes),
		handlers.WithAdminRoutes(adminRoutes),
		handlers.WithAdminMiddlewares(authenticator.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin)),
		handlers.WithWebhookRoutes(webhookRoutes),
	}
	if oidcMiddleware != nil {
		routerOpts = append(routerOpts,
			handlers.WithInternalRoutes(taskHandlers.InternalRoutes),
			handlers.WithInternalMiddlewares(oidcMiddleware),
		)
	}
	router := handlers.NewRouter(routerOpts...)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("bookstore api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Warn("container close error", zap.Error(err))
	}
}

func newPaymentManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	eventLogger := zapEventLogger(logger)
	providers := make(map[string]payments.Provider)

	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		return nil, errors.New("stripe api key is required")
	}
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.PSP.StripeAPIKey,
		WebhookSecret: cfg.PSP.StripeWebhookSecret,
		AccountID:     cfg.PSP.StripeAccountID,
		Logger:        eventLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("stripe provider: %w", err)
	}
	providers["stripe"] = stripeProvider

	if cfg.PSP.PayPalClientID != "" && cfg.PSP.PayPalSecret != "" {
		paypalProvider, err := payments.NewPayPalProvider(payments.PayPalProviderConfig{
			ClientID:  cfg.PSP.PayPalClientID,
			Secret:    cfg.PSP.PayPalSecret,
			WebhookID: cfg.PSP.PayPalWebhookID,
			Logger:    eventLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("paypal provider: %w", err)
		}
		providers["paypal"] = paypalProvider
	}

	if cfg.Features.EnableTabby && cfg.PSP.TabbySecretKey != "" {
		tabbyProvider, err := payments.NewTabbyProvider(payments.TabbyProviderConfig{
			SecretKey:     cfg.PSP.TabbySecretKey,
			MerchantCode:  cfg.PSP.TabbyMerchantCode,
			WebhookSecret: cfg.PSP.TabbyWebhookSecret,
			Logger:        eventLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("tabby provider: %w", err)
		}
		providers["tabby"] = tabbyProvider
	}

	if cfg.Features.EnableCashOnDelivery {
		codProvider, err := payments.NewCODProvider(payments.CODProviderConfig{
			IDGenerator: func() string { return "cod_" + ulid.Make().String() },
			Logger:      eventLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("cod provider: %w", err)
		}
		providers["cod"] = codProvider
	}

	return payments.NewManager(providers, payments.WithManagerLogger(eventLogger))
}

// gatewayOptionsFromSettings flattens the stored per-gateway configuration
// into the option maps providers accept through Initialize.
func gatewayOptionsFromSettings(settings domain.StoreSettings) map[string]map[string]string {
	options := make(map[string]map[string]string, len(settings.PaymentGateways))
	for name, gateway := range settings.PaymentGateways {
		opts := make(map[string]string, len(gateway.Options)+1)
		for key, value := range gateway.Options {
			opts[key] = value
		}
		opts["test_mode"] = strconv.FormatBool(gateway.TestMode)
		options[strings.ToLower(strings.TrimSpace(name))] = opts
	}
	if _, ok := options["cod"]; !ok {
		options["cod"] = map[string]string{}
	}
	if settings.CODMaxAmount > 0 {
		options["cod"]["max_amount"] = strconv.FormatInt(settings.CODMaxAmount, 10)
	}
	if settings.CODFee >= 0 {
		options["cod"]["fee"] = strconv.FormatInt(settings.CODFee, 10)
	}
	return options
}

func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service event", zFields...)
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newHealthRepository(client *firestore.Client, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 2)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					// A missing probe secret still proves the service answers.
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(audience, issuers)
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secrets := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secrets[strings.ToLower(key)] = value
	}
	if cfg.Webhooks.SigningSecret != "" {
		if _, ok := secrets["default"]; !ok {
			secrets["default"] = cfg.Webhooks.SigningSecret
		}
	}
	if len(secrets) == 0 {
		return nil
	}

	provider := staticSecretProvider{secrets: secrets}
	nonces := auth.NewInMemoryNonceStore()
	adapter := observability.NewPrintfAdapter(logger)
	validator := auth.NewHMACValidator(provider, nonces,
		auth.WithHMACLogger(adapter),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)

	resolver := webhookSecretResolver(secrets)
	return validator.RequireHMACResolver(resolver)
}

type staticSecretProvider struct {
	secrets map[string]string
}

func (p staticSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if len(p.secrets) == 0 {
		return "", errors.New("auth: hmac secrets not configured")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	if secret, ok := p.secrets[key]; ok && secret != "" {
		return secret, nil
	}
	return "", errors.New("auth: secret not found")
}

func webhookSecretResolver(secrets map[string]string) func(*http.Request) (string, bool) {
	return func(r *http.Request) (string, bool) {
		path := r.URL.Path
		if idx := strings.Index(path, "/webhooks/"); idx >= 0 {
			path = path[idx+len("/webhooks/"):]
		}
		path = strings.Trim(path, "/")
		if path == "" {
			if secret, ok := secrets["default"]; ok && secret != "" {
				return "default", true
			}
			return "", false
		}

		segments := strings.Split(path, "/")
		candidates := make([]string, 0, 3)
		if len(segments) >= 2 {
			candidates = append(candidates, strings.ToLower(strings.Join(segments[:2], "/")))
		}
		if len(segments) >= 1 {
			candidates = append(candidates, strings.ToLower(segments[0]))
		}
		candidates = append(candidates, "default")

		for _, candidate := range candidates {
			if secret, ok := secrets[candidate]; ok && secret != "" {
				return candidate, true
			}
		}
		return "", false
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := secretProjectMapFromEnv(env)
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	versionPins := secretVersionPinsFromEnv(env)
	credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if len(versionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(versionPins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"Storage.SignerKey",
		"PSP.StripeAPIKey",
		"PSP.StripeWebhookSecret",
		"Downloads.TokenSecret",
	}

	hmacRaw := ""
	if env != nil {
		hmacRaw = strings.TrimSpace(env["API_SECURITY_HMAC_SECRETS"])
		if secret := strings.TrimSpace(env["API_PSP_PAYPAL_SECRET"]); secret != "" {
			required = append(required, "PSP.PayPalSecret")
		}
		if secret := strings.TrimSpace(env["API_PSP_TABBY_SECRET_KEY"]); secret != "" {
			required = append(required, "PSP.TabbySecretKey")
		}
		if secret := strings.TrimSpace(env["API_WEBHOOK_SIGNING_SECRET"]); secret != "" {
			required = append(required, "Webhooks.SigningSecret")
		}
	}
	for _, key := range parseHMACSecretKeys(hmacRaw) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}

	return uniqueStrings(required)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_PROJECT_IDS"]
	}
	raw = strings.TrimSpace(raw)
	projects := make(map[string]string)
	if raw == "" {
		return projects
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		envLabel := strings.ToLower(strings.TrimSpace(parts[0]))
		project := strings.TrimSpace(parts[1])
		if envLabel == "" || project == "" {
			continue
		}
		projects[envLabel] = project
	}
	return projects
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_VERSION_PINS"]
	}
	raw = strings.TrimSpace(raw)
	pins := make(map[string]string)
	if raw == "" {
		return pins
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		ref := strings.TrimSpace(parts[0])
		version := strings.TrimSpace(parts[1])
		if ref == "" || version == "" {
			continue
		}
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		ref = prefix + ref
		pins[ref] = version
	}
	return pins
}

func parseHMACSecretKeys(raw string) []string {
	values := parseKeyValueList(raw)
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)
	return keys
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
