package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/scheduler"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/web"
)

// App represents the main application with all its servers and dependencies
type App struct {
	config     *util.AppConfig
	httpServer *http.Server
	sched      *scheduler.Scheduler
	stopSched  context.CancelFunc
	done       chan os.Signal
}

// New creates a new App instance with the given configuration
func New(conf *util.AppConfig) (*App, error) {
	return &App{
		config: conf,
		done:   make(chan os.Signal, 1),
	}, nil
}

// Initialize sets up storage, keys, the database and the HTTP server.
func (a *App) Initialize() error {
	if err := os.MkdirAll(a.config.Conf.StorageDir, 0755); err != nil {
		return fmt.Errorf("failed to create storage dir: %w", err)
	}

	// The instance keypair must exist before anything signs or serves
	if _, err := activitypub.InitInstance(a.config); err != nil {
		return err
	}

	db.SetPath(a.config.Conf.DatabaseURL)
	log.Println("Running database migrations...")
	database := db.GetDB()
	if err := database.RunMigrations(); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	log.Println("Database migrations complete")

	router, err := web.Router(a.config)
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP router: %w", err)
	}

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", a.config.Conf.HttpHost, a.config.Conf.HttpPort),
		Handler: router,
	}

	a.sched = a.buildScheduler()

	return nil
}

// buildScheduler wires the periodic federation tasks.
func (a *App) buildScheduler() *scheduler.Scheduler {
	conf := a.config
	s := scheduler.New()

	s.Add("incoming-activity-executor", 5*time.Second, func() {
		activitypub.RunIncomingExecutor(conf)
	})
	s.Add("outgoing-activity-executor", 5*time.Second, func() {
		activitypub.RunDeliveryExecutor(conf)
	})
	s.Add("fetcher-retry", 60*time.Second, func() {
		activitypub.RunFetchRetryExecutor(conf)
	})
	s.Add("delete-extraneous-posts", time.Hour, func() {
		cutoff := time.Now().AddDate(0, 0, -conf.Conf.Retention.ExtraneousPosts)
		deleted, err := db.GetDB().DeleteExtraneousPosts(cutoff)
		if err != nil {
			log.Printf("Scheduler: Failed to delete extraneous posts: %v", err)
		} else if deleted > 0 {
			log.Printf("Scheduler: Removed %d extraneous posts", deleted)
		}
	})
	s.Add("delete-empty-profiles", time.Hour, func() {
		cutoff := time.Now().AddDate(0, 0, -conf.Conf.Retention.EmptyProfiles)
		deleted, err := db.GetDB().DeleteEmptyProfiles(cutoff)
		if err != nil {
			log.Printf("Scheduler: Failed to delete empty profiles: %v", err)
		} else if deleted > 0 {
			log.Printf("Scheduler: Removed %d empty profiles", deleted)
		}
	})

	return s
}

// Start starts all servers and blocks until a shutdown signal is received
func (a *App) Start() error {
	if a.config.Conf.Federation.Enabled {
		log.Println("Federation enabled")
	} else {
		log.Println("Federation disabled; inbound and outbound delivery are off")
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.stopSched = cancel
	a.sched.Start(ctx)

	signal.Notify(a.done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Starting HTTP server on %s", a.httpServer.Addr)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-a.done
	log.Println("Shutdown signal received")

	return a.Shutdown()
}

// Shutdown drains in-flight HTTP handlers for a bounded grace period and
// stops the scheduler. Deliveries whose POST has not returned are abandoned
// and retried on next boot.
func (a *App) Shutdown() error {
	log.Println("Initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error

	log.Println("Stopping HTTP server...")
	if err := a.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		shutdownErr = err
	} else {
		log.Println("HTTP server stopped gracefully")
	}

	log.Println("Stopping scheduler...")
	a.stopSched()
	a.sched.Wait()
	log.Println("Scheduler stopped")

	return shutdownErr
}
