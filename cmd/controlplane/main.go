// Command controlplane runs the Fleetward control plane: node enrollment,
// heartbeat processing, command dispatch, and the operator-facing console
// streaming plane, all behind one HTTP router.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/fleetward/control-plane/internal/audit"
	"github.com/fleetward/control-plane/internal/command"
	"github.com/fleetward/control-plane/internal/config"
	"github.com/fleetward/control-plane/internal/consolehistory"
	"github.com/fleetward/control-plane/internal/consolehub"
	"github.com/fleetward/control-plane/internal/enrollment"
	"github.com/fleetward/control-plane/internal/eventbus"
	"github.com/fleetward/control-plane/internal/heartbeat"
	"github.com/fleetward/control-plane/internal/httpapi"
	"github.com/fleetward/control-plane/internal/logging"
	"github.com/fleetward/control-plane/internal/nodemgmt"
	"github.com/fleetward/control-plane/internal/nodetransport"
	"github.com/fleetward/control-plane/internal/operatorauth"
	"github.com/fleetward/control-plane/internal/pki"
	"github.com/fleetward/control-plane/internal/sessionregistry"
	"github.com/fleetward/control-plane/internal/store/postgres"
)

// version and commit are set at build time via ldflags, mirroring the
// teacher's own versioning scheme.
var version = "dev"
var commit = "unknown"

// agentCommandTypes are the command-type tags the dispatcher routes to a
// node over nodetransport. Delivery itself is identical for every type --
// only the dispatcher's structural validation cares about the tag.
var agentCommandTypes = []string{
	"server.start",
	"server.stop",
	"server.restart",
	"server.kill",
	"console.rawcommand",
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("fleetward-controlplane " + versionString())

	if err := postgres.RunMigrations(cfg.PostgresDSN, "internal/store/postgres/migrations"); err != nil {
		log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	auditWriter := audit.NewWriter(pool, log.Logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	ca, err := pki.EnsureCA(caDir(), cfg.LeafCertValidity())
	if err != nil {
		log.Error("failed to load control plane CA", "error", err)
		os.Exit(1)
	}

	bus := eventbus.New()

	certRepo := postgres.NewCertRepo(pool)
	nodeRepo := postgres.NewNodeRepo(pool)
	tokenRepo := postgres.NewTokenRepo(pool)
	commandRepo := postgres.NewCommandRepo(pool, auditWriter)
	serverRepo := postgres.NewServerRepo(pool)
	consoleColdRepo := postgres.NewConsoleColdRepo(pool)
	operatorRepo := postgres.NewOperatorRepo(pool)

	certSvc := pki.NewService(ca, certRepo)
	enrollCoord := enrollment.NewCoordinator(tokenRepo, certSvc, bus, log.Logger)

	thresholds := heartbeat.Thresholds{
		Interval:       cfg.HeartbeatInterval(),
		OfflineFactor:  cfg.OfflineThreshold().Seconds() / cfg.HeartbeatInterval().Seconds(),
		DegradedCPUPct: func() float64 { cpu, _ := cfg.DegradedThresholds(); return cpu }(),
		DegradedMemPct: func() float64 { _, mem := cfg.DegradedThresholds(); return mem }(),
		DegradedDisk:   heartbeat.DefaultThresholds.DegradedDisk,
	}
	heartbeatProc := heartbeat.NewProcessor(nodeRepo, bus, thresholds, log.Logger)

	nodeQueue := nodetransport.NewQueue()
	dispatcher := command.NewDispatcher(commandRepo, bus, log.Logger)
	for _, cmdType := range agentCommandTypes {
		dispatcher.RegisterHandler(cmdType, nodetransport.Handler(nodeQueue))
	}

	nodesSvc := nodemgmt.NewService(nodeRepo, bus, log.Logger)

	sessionRegistry := sessionregistry.NewRedisStore(redisClient, sessionregistry.DefaultTTL)
	historyStore := consolehistory.NewStore(redisClient, consoleColdRepo, log.Logger)
	hubCfg := consolehub.DefaultConfig()
	for _, p := range cfg.DangerousPatterns() {
		compiled, err := regexp.Compile(p)
		if err != nil {
			log.Error("invalid dangerous command pattern, skipping", "pattern", p, "error", err)
			continue
		}
		hubCfg.DangerousPatterns = append(hubCfg.DangerousPatterns, compiled)
	}
	hub := consolehub.NewHub(sessionRegistry, historyStore, dispatcher, serverRepo, auditWriter, log.Logger, hubCfg)

	operatorSvc := buildOperatorAuth(cfg, operatorRepo, log)

	deps := httpapi.Deps{
		Enrollment:      enrollCoord,
		Heartbeat:       heartbeatProc,
		Certs:           certSvc,
		Nodes:           nodesSvc,
		Commands:        dispatcher,
		Console:         hub,
		OperatorAuth:    operatorSvc,
		NodeQueue:       nodeQueue,
		Log:             log.Logger,
		MetricsGatherer: prometheus.DefaultGatherer,
		CookieSecure:    cfg.CookieSecure,
		ReadyCheck: func() error {
			return pool.Ping(ctx)
		},
	}
	srv := httpapi.NewServer(deps)

	runBackgroundSweeps(ctx, cfg, log, nodeRepo, heartbeatProc, operatorSvc, historyStore)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router,
	}
	if cfg.TLSEnabled() {
		tlsCfg, err := nodeFacingTLSConfig(cfg)
		if err != nil {
			log.Error("failed to load TLS configuration", "error", err)
			os.Exit(1)
		}
		httpServer.TLSConfig = tlsCfg
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("control plane listening", "addr", cfg.ListenAddr, "tls", cfg.TLSEnabled())
	var serveErr error
	if cfg.TLSEnabled() {
		serveErr = httpServer.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
	} else {
		serveErr = httpServer.ListenAndServe()
	}
	if serveErr != nil && serveErr != http.ErrServerClosed {
		log.Error("control plane server error", "error", serveErr)
		os.Exit(1)
	}
	log.Info("control plane shutdown complete")
}

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func caDir() string {
	if dir := os.Getenv("FLEET_CA_DIR"); dir != "" {
		return dir
	}
	return "./data/ca"
}

// buildOperatorAuth wires operatorauth.Service from config, enabling
// WebAuthn passkeys only when an RPID is configured -- mirroring the
// teacher's own conditional WebAuthn bring-up.
func buildOperatorAuth(cfg *config.Config, repo *postgres.OperatorRepo, log *logging.Logger) *operatorauth.Service {
	var wa *webauthn.WebAuthn
	if cfg.WebAuthnEnabled() {
		var err error
		wa, err = webauthn.New(&webauthn.Config{
			RPDisplayName: cfg.WebAuthnDisplayName,
			RPID:          cfg.WebAuthnRPID,
			RPOrigins:     cfg.WebAuthnOriginList(),
		})
		if err != nil {
			log.Error("failed to create webauthn instance, passkeys disabled", "error", err)
			wa = nil
		}
	}
	return operatorauth.NewService(operatorauth.Config{
		Operators:     repo,
		Sessions:      repo,
		Tokens:        repo,
		PendingTOTP:   repo,
		WebAuthnCreds: repo,
		WebAuthn:      wa,
		Log:           log.Logger,
		CookieSecure:  cfg.CookieSecure,
		SessionExpiry: cfg.SessionExpiry,
	})
}

// runBackgroundSweeps starts the periodic maintenance goroutines every
// control plane instance runs: heartbeat staleness evaluation, expired
// operator session cleanup, and cold console-history retention.
func runBackgroundSweeps(
	ctx context.Context,
	cfg *config.Config,
	log *logging.Logger,
	nodeRepo *postgres.NodeRepo,
	heartbeatProc *heartbeat.Processor,
	operatorSvc *operatorauth.Service,
	historyStore *consolehistory.Store,
) {
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				nodes, err := nodeRepo.ListAllExcludingDecommissioned(ctx)
				if err != nil {
					log.Warn("staleness sweep: failed to list nodes", "error", err)
					continue
				}
				heartbeatProc.EvaluateStaleness(ctx, nodes)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := operatorSvc.CleanupExpiredSessions()
				if err != nil {
					log.Warn("session cleanup failed", "error", err)
				} else if n > 0 {
					log.Info("cleaned up expired operator sessions", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Cold-archive retention runs on a cron schedule rather than a fixed-
	// interval ticker so it lands at a predictable off-peak hour instead of
	// drifting across process restarts.
	retentionCron := cron.New()
	retentionSweep := func() {
		if err := historyStore.RunRetentionSweep(ctx, consolehistory.DefaultRetentionDays); err != nil {
			log.Warn("console history retention sweep failed", "error", err)
		}
	}
	_, err := retentionCron.AddFunc(cfg.RetentionSweepSchedule(), retentionSweep)
	if err != nil {
		log.Warn("invalid retention sweep schedule, falling back to daily", "error", err, "schedule", cfg.RetentionSweepSchedule())
		_, _ = retentionCron.AddFunc("0 3 * * *", retentionSweep)
	}
	retentionCron.Start()
	go func() {
		<-ctx.Done()
		<-retentionCron.Stop().Done()
	}()
}

// nodeFacingTLSConfig builds the mTLS configuration for the node-facing
// surface: the server presents cfg.TLSCert/TLSKey and verifies any client
// certificate it is given against cfg.TLSCACert. A client certificate is
// not required at the TLS layer (so /enroll works without one);
// internal/httpapi's requireNodeCert middleware enforces a node-{uuid} CN
// on the routes that need it.
func nodeFacingTLSConfig(cfg *config.Config) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if cfg.TLSCACert != "" {
		pem, err := os.ReadFile(cfg.TLSCACert)
		if err != nil {
			return nil, fmt.Errorf("read node CA bundle: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.TLSCACert)
		}
	}
	return &tls.Config{
		ClientCAs:  pool,
		ClientAuth: tls.VerifyClientCertIfGiven,
	}, nil
}
