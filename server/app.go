package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nexus/config"
	"nexus/internal/access"
	"nexus/internal/adapter"
	"nexus/internal/auth"
	"nexus/internal/db"
	"nexus/internal/health"
	"nexus/internal/httpapi"
	"nexus/internal/logs"
	"nexus/internal/middleware"
	"nexus/internal/models"
	"nexus/internal/monitor"
	"nexus/internal/recon"
	"nexus/internal/repo"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db      *gorm.DB
	machine *access.Machine
	monitor *monitor.Monitor
	ctx     context.Context
	cancel  context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	// 1) Logging
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	// 2) DB (optional: without it only health endpoints are served)
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d
		if err := a.db.AutoMigrate(
			&models.Provider{},
			&models.Router{},
			&models.RouterStatusHistory{},
			&models.TelemetrySnapshot{},
			&models.NetworkResource{},
			&models.Customer{},
			&models.Invoice{},
			&models.SyncRun{},
		); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
	}

	// 3) Router + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)
	a.Router.Use(authGate)

	// 4) Health routes
	if a.db != nil {
		health.RegisterRoutesWithDB(a.Router, a.db) // /healthz and /readyz
	} else {
		health.RegisterRoutes(a.Router) // /healthz only
	}

	// 5) Domain wiring (needs a DB)
	if a.db == nil {
		logs.Logger.Warn("no database configured, serving health endpoints only")
		return
	}

	routers := repo.NewRouters(a.db)
	resources := repo.NewResources(a.db)
	customers := repo.NewCustomers(a.db)
	runs := repo.NewSyncRuns(a.db)

	engine := recon.NewEngine(adapter.New, resources, runs, recon.NewRouterLocks(), recon.Config{
		Retries:      a.cfg.Device.Retries,
		Backoff:      a.cfg.Device.Backoff,
		DialTimeout:  a.cfg.Device.DialTimeout,
		AllowPrivate: a.cfg.Device.AllowPrivate,
	})
	a.machine = access.NewMachine(customers, resources, routers, engine)
	a.monitor = monitor.New(routers, engine)

	httpapi.NewRoutersHTTP(routers, runs, engine).RegisterRoutes(a.Router)
	httpapi.NewResourcesHTTP(resources, routers, engine).RegisterRoutes(a.Router)
	httpapi.NewCustomersHTTP(customers, a.machine).RegisterRoutes(a.Router)
	a.Router.Handle("/ws/traffic", httpapi.NewTrafficWS(routers, engine, 2*time.Second))

	a.Router.Walk(func(rt *mux.Route, r *mux.Router, ancestors []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

// authGate requires an authenticated principal on the API and websocket
// surfaces; health endpoints stay open for probes.
func authGate(next http.Handler) http.Handler {
	authed := auth.Middleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/ws/") {
			authed.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigs; a.cancel() }()

	if a.machine != nil {
		go a.machine.RunSweeper(a.ctx, a.cfg.Sweep.Interval)
	}
	if a.monitor != nil {
		go a.monitor.Run(a.ctx, a.cfg.Monitor.ProbeInterval, a.cfg.Monitor.TelemetryInterval)
	}

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpServer.Shutdown(ctx)
	return nil
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
