// Package app wires every package in this module into a running process:
// config, backends, engines, and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/fleetcap/viewer/internal/config"
	"github.com/fleetcap/viewer/internal/httpserver"
	"github.com/fleetcap/viewer/internal/platform"
	"github.com/fleetcap/viewer/internal/telemetry"
	"github.com/fleetcap/viewer/pkg/cluster"
	"github.com/fleetcap/viewer/pkg/cron"
	"github.com/fleetcap/viewer/pkg/csrf"
	"github.com/fleetcap/viewer/pkg/esclient"
	"github.com/fleetcap/viewer/pkg/expiry"
	"github.com/fleetcap/viewer/pkg/expr"
	"github.com/fleetcap/viewer/pkg/historylog"
	"github.com/fleetcap/viewer/pkg/httpfront"
	"github.com/fleetcap/viewer/pkg/hunt"
	"github.com/fleetcap/viewer/pkg/notifier"
	"github.com/fleetcap/viewer/pkg/pcap"
	"github.com/fleetcap/viewer/pkg/session"
)

// Run builds every dependency from cfg and blocks until ctx is cancelled or
// a background component fails.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	es, err := esclient.New(cfg.ElasticsearchURLs)
	if err != nil {
		return fmt.Errorf("building elasticsearch client: %w", err)
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("building redis client: %w", err)
	}
	defer rdb.Close()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	fleet := buildFleet(cfg)
	resolver := cluster.NewResolver(fleet)
	proxy := cluster.NewProxy(fleet)

	sessions := session.NewESStore(es)
	files := pcap.NewESFileStore(es)
	pcapStore := pcap.NewStore(pcap.NewESPathResolver(files))
	scrubber := pcap.NewScrubber(pcapStore, sessions)
	receiver := pcap.NewReceiveStore(firstPcapDir(cfg), 0)

	huntStore := hunt.NewESStore(es)
	cronStore := cron.NewESStore(es)
	notifiers := buildNotifiers(cfg, logger)

	huntEngine := hunt.NewEngine(huntStore, sessions, pcapStore, resolver, proxy, notifiers, logger)
	cronEngine := cron.NewEngine(cronStore, sessions, cronUsers(cfg), pcapStore, resolver, proxy, buildRemoteClusters(cfg), notifiers, logger)

	history := historylog.NewWriter(es, logger)
	history.Start(ctx)
	defer history.Close()

	authChain, csrfGuard := buildAuthChain(cfg, es)

	srv := httpserver.NewServer(
		httpserver.Config{CORSAllowedOrigins: cfg.CORSAllowedOrigins},
		logger, es, rdb, metricsReg,
		authChain,
	)
	srv.Router.Use(httpfront.ResponseTimeHeader)

	srv.APIRouter.Use(httpfront.CSRFMiddleware(csrfGuard))
	srv.APIRouter.Use(historyMiddleware(history))

	hunt.NewHandler(huntStore, sessions, pcapStore, huntEngine).Mount(srv.APIRouter)
	cron.NewHandler(cronStore, sessions, pcapStore, cronEngine, buildRemoteClusters(cfg)).Mount(srv.APIRouter)
	session.NewHandler(sessions, pcapStore, scrubber, files, receiver, expr.NewCompiler(), resolver, proxy, cfg.NodeName).Mount(srv.APIRouter)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return huntEngine.Run(gctx) })

	if cfg.CronQueries {
		g.Go(func() error { return cronEngine.Run(gctx) })
	}

	if expiryEngine := buildExpiryEngine(cfg, files, logger); expiryEngine != nil {
		g.Go(func() error { return expiryEngine.Run(gctx) })
	}

	g.Go(func() error {
		httpSrv := &http.Server{Addr: cfg.ListenAddr(), Handler: srv}
		go func() {
			<-gctx.Done()
			_ = httpSrv.Close()
		}()

		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if cfg.IsHTTPS() {
			if err := httpSrv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("https server: %w", err)
			}
			return nil
		}
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// buildFleet translates the config file's node map into a cluster.Fleet.
// Every node shares this process's configured serverSecret: peer tokens are
// verified against the secret of the node that issued them, and in this
// config surface there is only one serverSecret, not one per peer.
func buildFleet(cfg *config.Config) *cluster.Fleet {
	nodes := make(map[string]cluster.Node, len(cfg.Nodes)+1)
	for name, n := range cfg.Nodes {
		nodes[name] = cluster.Node{Name: name, ViewURL: n.ViewURL, Scheme: n.Scheme, Secret: cfg.ServerSecret}
	}
	if _, ok := nodes[cfg.NodeName]; !ok {
		nodes[cfg.NodeName] = cluster.Node{Name: cfg.NodeName, ViewURL: fmt.Sprintf("http://%s:%d", cfg.NodeName, cfg.Port), Secret: cfg.ServerSecret}
	}
	return cluster.NewFleet(cfg.NodeName, nodes)
}

func buildRemoteClusters(cfg *config.Config) cron.RemoteClusters {
	out := make(cron.RemoteClusters, len(cfg.RemoteClusters))
	for name, c := range cfg.RemoteClusters {
		out[name] = cron.RemoteCluster{Name: name, URL: c.URL, Secret: c.ServerSecret}
	}
	return out
}

// cronUsers builds the cron engine's query-owner resolver. The user/settings
// index itself is served through httpfront's ESUserResolver; cron only
// needs the narrower enabled/forcedExpression view, which today has no
// dedicated config surface, so it starts empty and a query owned by an
// unknown user is simply skipped (logged, not fatal) until that surface
// exists.
func cronUsers(cfg *config.Config) cron.UserResolver {
	return cron.MapUserResolver{}
}

func buildNotifiers(cfg *config.Config, logger *slog.Logger) *notifier.Registry {
	reg := notifier.NewRegistry()
	// No notifier config surface is exposed yet (config.Config carries no
	// slack/webhook section); the registry starts empty and a Hunt/CronQuery
	// naming an unregistered notifier simply fails that one delivery,
	// logged by the engine, rather than failing the run.
	return reg
}

func firstPcapDir(cfg *config.Config) string {
	if len(cfg.PcapDir) == 0 {
		return "."
	}
	return cfg.PcapDir[0]
}

func buildExpiryEngine(cfg *config.Config, files pcap.FileStore, logger *slog.Logger) *expiry.Engine {
	if len(cfg.PcapDir) == 0 {
		return nil
	}
	targets := make([]expiry.Target, 0, len(cfg.PcapDir))
	freeSpace := parseFreeSpaceG(cfg.FreeSpaceG)
	for _, dir := range cfg.PcapDir {
		targets = append(targets, expiry.Target{Dir: dir, FreeSpaceG: freeSpace})
	}
	return expiry.NewEngine(cfg.NodeName, targets, files, logger)
}

// parseFreeSpaceG converts the configured "10%" or "10" string into
// expiry.Target's convention: positive absolute GB, negative -percent.
func parseFreeSpaceG(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return -10
	}
	if strings.HasSuffix(raw, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
		if err != nil {
			return -10
		}
		return -pct
	}
	gb, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return -10
	}
	return gb
}

// buildAuthChain wires pkg/httpfront's authentication chain from the
// config's realm settings into the shape httpserver.NewServer expects
// (mounted via chi's Use, rather than called directly as middleware),
// returning the csrf.Guard the caller mounts alongside it.
func buildAuthChain(cfg *config.Config, es *esclient.Client) (httpserver.AuthChain, *csrf.Guard) {
	users := httpfront.NewESUserResolver(es, httpfront.User{Enabled: true})

	fcfg := httpfront.Config{
		PeerAuth:              cluster.NewPeerAuth(),
		PeerSecret:            cfg.ServerSecret,
		UserNameHeader:        cfg.UserNameHeader,
		RequiredAuthHeader:    cfg.RequiredAuthHeader,
		RequiredAuthHeaderVal: cfg.RequiredAuthHeaderVal,
		UserAutoCreateTmpl:    cfg.UserAutoCreateTmpl != "",
		HTTPRealm:             cfg.HTTPRealm,
		Anonymous:             cfg.RegressionTests,
		AnonymousUserID:       "admin",
	}

	mw := httpfront.Chain(fcfg, users)
	return func(r chi.Router) { r.Use(mw) }, csrf.NewGuard(cfg.PasswordSecret)
}

// historyMiddleware logs every authenticated request through Writer.
func historyMiddleware(w *historylog.Writer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			id := httpfront.FromContext(r.Context())
			userID := ""
			if id != nil {
				userID = id.UserID
			}
			w.LogFromRequest(r, userID, false)
			next.ServeHTTP(rw, r)
		})
	}
}
