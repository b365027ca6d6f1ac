package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"tracker/internal/adapters/crlite"
	httpadapter "tracker/internal/adapters/http"
	"tracker/internal/adapters/httpclient"
	"tracker/internal/adapters/notify"
	pg "tracker/internal/adapters/postgres"
	"tracker/internal/config"
	"tracker/internal/domain"
	"tracker/internal/jobtoken"
	"tracker/internal/ports"
	"tracker/internal/services/autoscan"
	"tracker/internal/services/changes"
	"tracker/internal/services/dispatcher"
	"tracker/internal/services/ingestion"
	"tracker/internal/workers/scanqueue"
)

const reconcileEvery = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect error: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("db migrate error: %v", err)
	}

	clock := clockwork.NewRealClock()
	client := &http.Client{Timeout: cfg.JobTimeout + 5*time.Second}
	signer := jobtoken.NewSigner([]byte(cfg.SigningSecret), cfg.TokenTTL, clock)

	var notifier ports.Notifier
	if cfg.AlertWebhookURL != "" {
		notifier = notify.NewWebhook(cfg.AlertWebhookURL, cfg.AlertRecipients, client)
	}
	var handoff ports.Handoff
	if cfg.ProcessURL != "" {
		handoff = httpclient.NewProcessClient(cfg.ProcessURL, client)
	}
	ingest := ingestion.New(ingestion.Config{
		Store:   db,
		Changes: changes.New(db, db, notifier, clock),
		Handoff: handoff,
		Clock:   clock,
	})

	queue := newQueue(cfg, db, ingest, signer, clock, client)

	var submitter ports.JobSubmitter
	switch {
	case cfg.QueueURL != "":
		submitter = httpclient.NewQueueClient(cfg.QueueURL, client)
	case queue != nil:
		submitter = queue
	default:
		log.Fatal("no scanner URLs configured and QUEUE_URL not set; scans cannot be queued")
	}
	disp := dispatcher.New(dispatcher.Config{
		Signer:    signer,
		Submitter: submitter,
		Events:    ingest,
		Domains:   db,
		Clock:     clock,
		Grace:     cfg.ReconcileGrace,
	})

	srvCfg := httpadapter.Config{Dispatcher: disp, Results: ingest, Signer: signer, Health: db.Ping}
	if queue != nil {
		srvCfg.Queue = queue
	}
	r := chi.NewRouter()
	r.Mount("/", httpadapter.New(srvCfg).Routes())
	server := &http.Server{Addr: cfg.ListenAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ingest.RunReconciler(gctx, reconcileEvery)
		return nil
	})
	if queue != nil {
		g.Go(func() error { return queue.Run(gctx) })
		log.Printf("scan queues started: %v (%d workers each)", queue.Queues(), cfg.ScanWorkers)
	}
	if cfg.AutoscanSchedule != "" {
		sched, err := autoscan.ParseSchedule(cfg.AutoscanSchedule)
		if err != nil {
			log.Fatalf("autoscan: %v", err)
		}
		sweeper := autoscan.New(db, disp, clock)
		g.Go(func() error {
			return sched.Run(gctx, clock, func(ctx context.Context) error {
				_, err := sweeper.RunSweep(ctx)
				return err
			})
		})
		log.Printf("autoscan scheduled: %s", cfg.AutoscanSchedule)
	}
	g.Go(func() error {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		return server.Shutdown(shutdownCtx)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("shutting down on %s", sig)
	case <-gctx.Done():
	}
	cancel()
	// claimed jobs are left running; their lease lapses and another process
	// reclaims them
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

// newQueue builds the local scan queues, one per configured scanner. It
// returns nil when this process runs no scanners.
func newQueue(cfg config.Config, db *pg.DB, ingest *ingestion.Service, signer *jobtoken.Signer, clock clockwork.Clock, client *http.Client) *scanqueue.Service {
	if len(cfg.ScannerURLs) == 0 {
		return nil
	}
	scanners := make(map[domain.Protocol]scanqueue.Scanner, len(cfg.ScannerURLs))
	for p, url := range cfg.ScannerURLs {
		var s scanqueue.Scanner = httpclient.NewScannerClient(url, client)
		if p == domain.ProtocolSSL && cfg.CrliteCommand != "" {
			s = scanqueue.WithRevocation(s, crlite.NewChecker(cfg.CrliteCommand))
		}
		scanners[p] = s
	}
	var sink ports.ResultSink = ingest
	if cfg.ResultsURL != "" {
		sink = httpclient.NewResultClient(cfg.ResultsURL, signer, client)
	}
	return scanqueue.New(scanqueue.Config{
		Jobs:     db,
		Sink:     sink,
		Signer:   signer,
		Scanners: scanners,
		Policy:   cfg.Policy(),
		Clock:    clock,
	})
}
