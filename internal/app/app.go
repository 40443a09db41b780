package app

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/fasthttp/router"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"golang.org/x/sync/errgroup"

	"github.com/arturfalcao/qa-dashboard-sub001/internal/config"
	"github.com/arturfalcao/qa-dashboard-sub001/internal/guardian"
	"github.com/arturfalcao/qa-dashboard-sub001/internal/logger"
	"github.com/arturfalcao/qa-dashboard-sub001/internal/remote"
	"github.com/arturfalcao/qa-dashboard-sub001/internal/repository/taskqueue"
	"github.com/arturfalcao/qa-dashboard-sub001/internal/uploader"
)

var (
	methodErrorDB = []string{"method", "error"}
)

type App struct {
	cfg *config.Config
}

func New(cfg *config.Config) App {
	return App{cfg: cfg}
}

func (app *App) Run() {
	ctx, cancelProcesses := context.WithCancel(context.Background())
	defer cancelProcesses()

	logger.Init()

	db, err := taskqueue.Open(app.cfg.Queue.Path)
	if err != nil {
		log.WithError(err).Fatal("Failed to open queue database")
	}
	defer db.Close()

	queueReqCount := kitprometheus.NewCounterFrom(
		prometheus.CounterOpts{
			Namespace: app.cfg.Metrics.Namespace,
			Subsystem: app.cfg.Metrics.Subsystem,
			Name:      "queue_request_count",
			Help:      "task queue request count",
		}, methodErrorDB,
	)
	queueReqDuration := kitprometheus.NewSummaryFrom(
		prometheus.SummaryOpts{
			Namespace: app.cfg.Metrics.Namespace,
			Subsystem: app.cfg.Metrics.Subsystem,
			Name:      "queue_request_duration",
			Help:      "task queue request duration",
		},
		methodErrorDB,
	)

	queueRepo, err := taskqueue.NewRepository(db)
	if err != nil {
		log.WithError(err).Fatal("Failed to create task queue")
	}
	queueRepo = taskqueue.NewInstrumentingMiddleware(queueReqCount, queueReqDuration, queueRepo)

	pendingGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: app.cfg.Metrics.Namespace,
		Subsystem: app.cfg.Metrics.Subsystem,
		Name:      "queue_pending_tasks",
		Help:      "number of tasks waiting in the outbound queue",
	}, func() float64 {
		count, countErr := queueRepo.PendingCount(context.Background())
		if countErr != nil {
			return -1
		}
		return float64(count)
	})
	prometheus.MustRegister(pendingGauge)

	client := remote.NewClient(remote.Config{
		BaseURL:        app.cfg.Remote.BaseURL,
		DeviceSecret:   app.cfg.Remote.DeviceSecret,
		RequestTimeout: app.cfg.Remote.RequestTimeout,
		RetryAttempts:  app.cfg.Remote.RetryAttempts,
		RetryBackoff:   app.cfg.Remote.RetryBackoff,
	})

	upl, err := uploader.New(queueRepo, client, uploader.Config{
		PollInterval: app.cfg.Uploader.PollInterval,
		BackoffBase:  app.cfg.Uploader.BackoffBase,
		BackoffMax:   app.cfg.Uploader.BackoffMax,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create uploader")
	}

	storageGuardian := guardian.New(guardian.Config{
		MediaRoot:     app.cfg.Storage.MediaRoot,
		MaxBytes:      app.cfg.Storage.MaxBytes,
		MaxFileAge:    app.cfg.Storage.MaxFileAge,
		SweepInterval: app.cfg.Storage.SweepInterval,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return upl.Run(groupCtx)
	})
	group.Go(func() error {
		return storageGuardian.Run(groupCtx)
	})

	metricsRouter := router.New()
	metricsRouter.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	metricsRouter.GET("/healthz", func(reqCtx *fasthttp.RequestCtx) {
		snapshot := upl.Status(ctx)
		body, marshalErr := json.Marshal(snapshot)
		if marshalErr != nil {
			reqCtx.SetStatusCode(fasthttp.StatusInternalServerError)
			return
		}
		reqCtx.SetContentType("application/json")
		reqCtx.SetBody(body)
	})
	metricsServer := &fasthttp.Server{
		Handler:            metricsRouter.Handler,
		MaxRequestBodySize: app.cfg.System.ReadBufferSize,
		ReadTimeout:        app.cfg.System.ReadTimeout,
		ReadBufferSize:     app.cfg.System.ReadBufferSize,
	}

	go func() {
		log.WithFields(log.Fields{
			"port": app.cfg.Metrics.Port,
		}).Info("starting metrics server")
		if err = metricsServer.ListenAndServe(":" + app.cfg.Metrics.Port); err != nil {
			log.WithError(err).Error("metrics server run failure")
			return
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)

	defer func(sig os.Signal) {
		log.WithFields(log.Fields{
			"signal": sig.String(),
		}).Info("received signal, exiting")

		upl.Stop()
		cancelProcesses()
		_ = group.Wait()

		_ = metricsServer.Shutdown()
		log.Info("goodbye")
	}(<-c)
}
