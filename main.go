package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/relayforge/crm-sync/internal/auth"
	"github.com/relayforge/crm-sync/internal/config"
	"github.com/relayforge/crm-sync/internal/dispatcher"
	natsjs "github.com/relayforge/crm-sync/internal/nats"
	"github.com/relayforge/crm-sync/internal/providers/gcal"
	"github.com/relayforge/crm-sync/internal/providers/gmail"
	"github.com/relayforge/crm-sync/internal/providers/outlook"
	"github.com/relayforge/crm-sync/internal/scheduler"
	"github.com/relayforge/crm-sync/internal/store"
	"github.com/relayforge/crm-sync/internal/sync"
)

type enqueueRequest struct {
	UserID          string `json:"userId" binding:"required"`
	TenantID        string `json:"tenantId" binding:"required"`
	IsInitialImport bool   `json:"isInitialImport"`
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	queue, err := natsjs.Connect(cfg.NATSURL)
	if err != nil {
		log.Fatal(err)
	}
	defer queue.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := queue.EnsureStream(ctx); err != nil {
		log.Fatal(err)
	}

	refresher := auth.NewRefresher(db)
	go refresher.Run(ctx)

	factory := &providerFactory{
		refresher: refresher,
		googleCfg: &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Endpoint:     google.Endpoint,
		},
		microsoftCfg: &oauth2.Config{
			Endpoint: microsoft.AzureADEndpoint("common"),
		},
	}

	mailEngine := sync.NewMailEngine(db, db, db)
	mailEngine.Lookback = time.Duration(cfg.MailLookbackDays) * 24 * time.Hour
	calendarEngine := sync.NewCalendarEngine(db, db, db)

	disp := dispatcher.New(db, factory, db, mailEngine, calendarEngine, cfg.Workers, cfg.JobsPerSecond)

	consumers := make(map[sync.Source]dispatcher.JobSource)
	for _, src := range []sync.Source{sync.SourceMail, sync.SourceCalendar} {
		c, err := queue.Consumer(src.Topic(), "crmsync-"+src.Topic())
		if err != nil {
			log.Fatal(err)
		}
		consumers[src] = c
	}

	sched := scheduler.New(queue)
	if err := sched.SchedulePeriodic(sync.SourceMail, cfg.MailInterval); err != nil {
		log.Fatal(err)
	}
	if err := sched.SchedulePeriodic(sync.SourceCalendar, cfg.CalendarInterval); err != nil {
		log.Fatal(err)
	}
	go sched.Run(ctx)

	dispatcherDone := make(chan struct{})
	go func() {
		disp.Run(ctx, consumers)
		close(dispatcherDone)
	}()

	r := gin.Default()

	r.POST("/api/sync/:source", func(c *gin.Context) {
		source, ok := sync.ParseSource(c.Param("source"))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown source"})
			return
		}
		var req enqueueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := sched.EnqueueUserSync(c.Request.Context(), req.UserID, req.TenantID, source, scheduler.Options{
			IsInitialImport: req.IsInitialImport,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "enqueued"})
	})

	r.GET("/api/sync-state/:userId", func(c *gin.Context) {
		states, err := db.ListSyncStates(c.Request.Context(), c.Param("userId"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, states)
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()
	log.Printf("crm-sync listening on %s", cfg.ListenAddr)

	<-ctx.Done()
	log.Printf("shutting down, draining in-flight jobs")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	select {
	case <-dispatcherDone:
	case <-time.After(2 * time.Minute):
		log.Printf("drain timed out, exiting with jobs in flight")
	}
}

// providerFactory builds provider adapters for a credential, wiring the
// refresh-publishing token source in front of every client.
type providerFactory struct {
	refresher    *auth.Refresher
	googleCfg    *oauth2.Config
	microsoftCfg *oauth2.Config
}

func (f *providerFactory) Mail(ctx context.Context, cred *sync.Credential) (sync.MailProvider, error) {
	switch cred.Provider {
	case "google":
		return gmail.New(ctx, f.refresher.TokenSource(ctx, f.googleCfg, cred))
	case "microsoft":
		return outlook.New(ctx, f.refresher.TokenSource(ctx, f.microsoftCfg, cred), cred.AccountEmail)
	default:
		return nil, fmt.Errorf("unsupported mail provider %q", cred.Provider)
	}
}

func (f *providerFactory) Calendar(ctx context.Context, cred *sync.Credential) (sync.CalendarProvider, error) {
	switch cred.Provider {
	case "google":
		return gcal.New(ctx, f.refresher.TokenSource(ctx, f.googleCfg, cred))
	default:
		return nil, fmt.Errorf("unsupported calendar provider %q", cred.Provider)
	}
}
