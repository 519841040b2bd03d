// Command blobcache serves an in-memory object cache over a JSON-lines
// protocol on stdin/stdout. Cached objects can be uploaded in chunks to
// memory, a local directory or S3, and an optional HTTP endpoint accepts
// inbound chunked transfers into the cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardartoul/blobcache/pkg/httpapi"
	"github.com/richardartoul/blobcache/pkg/journal"
	"github.com/richardartoul/blobcache/pkg/locking"
	"github.com/richardartoul/blobcache/pkg/metrics"
	"github.com/richardartoul/blobcache/pkg/objcache"
	"github.com/richardartoul/blobcache/pkg/transfer"
	"github.com/richardartoul/blobcache/transports"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "blobcache: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (Config, error) {
	fs := flag.NewFlagSet("blobcache", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configFlag      = fs.String("config", "", "Path to YAML config file")
		logLevelFlag    = fs.String("log-level", "", "Log level: debug, info, warn, error")
		logFormatFlag   = fs.String("log-format", "", "Log format: text or json")
		maxAgeFlag      = fs.Duration("max-age", 0, "Evict entries idle for longer than this (0 disables)")
		chunkSizeFlag   = fs.Int64("chunk-size", 0, "Upload chunk size in bytes")
		concurrencyFlag = fs.Int("concurrency", 0, "Chunks in flight per upload")
		transportFlag   = fs.String("transport", "", "Upload destination: memory, dir or s3")
		dirFlag         = fs.String("dir", "", "Directory for the dir transport")
		compressFlag    = fs.Bool("compress", false, "Store dir transport objects zstd compressed")
		bucketFlag      = fs.String("s3-bucket", "", "Bucket for the s3 transport")
		debugFlag       = fs.Bool("debug", false, "Trace transport calls to stderr")
		resumableFlag   = fs.Bool("resumable", false, "Keep failed uploads so they can be resumed")
		journalFlag     = fs.String("journal", "", "SQLite file recording finished transfers")
		lockingFlag     = fs.String("locking", "", "Inbound session locking: memory, file or none")
		lockDirFlag     = fs.String("lock-dir", "", "Directory for file locks")
		httpFlag        = fs.String("http", "", "Address for the inbound transfer endpoint")
	)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	config, err := loadConfig(*configFlag)
	if err != nil {
		return config, err
	}

	// flags that were set explicitly override the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			config.LogLevel = *logLevelFlag
		case "log-format":
			config.LogFormat = *logFormatFlag
		case "max-age":
			config.MaxAge = *maxAgeFlag
		case "chunk-size":
			config.ChunkSize = *chunkSizeFlag
		case "concurrency":
			config.Concurrency = *concurrencyFlag
		case "transport":
			config.Transport = *transportFlag
		case "dir":
			config.Dir = *dirFlag
		case "compress":
			config.Compress = *compressFlag
		case "s3-bucket":
			config.S3.Bucket = *bucketFlag
		case "debug":
			config.Debug = *debugFlag
		case "resumable":
			config.Resumable = *resumableFlag
		case "journal":
			config.Journal = *journalFlag
		case "locking":
			config.Locking = *lockingFlag
		case "lock-dir":
			config.LockDir = *lockDirFlag
		case "http":
			config.HTTPAddr = *httpFlag
		}
	})

	return config, config.Validate()
}

func newLogger(config Config, w io.Writer) *slog.Logger {
	level, _ := config.Level()
	opts := &slog.HandlerOptions{Level: level}
	if config.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newTarget(ctx context.Context, config Config, logger *slog.Logger, stderr io.Writer) (transports.Target, error) {
	var target transports.Target
	switch config.Transport {
	case transportDir:
		var opts []transports.DirOption
		if config.Compress {
			opts = append(opts, transports.WithCompression())
		}
		dir, err := transports.NewDir(config.Dir, logger, opts...)
		if err != nil {
			return nil, err
		}
		target = dir
	case transportS3:
		client, err := transports.LoadS3Client(ctx, config.S3)
		if err != nil {
			return nil, err
		}
		target = transports.NewS3(client, config.S3.Bucket, config.S3.Prefix, logger)
	default:
		target = transports.NewMemory()
	}

	if config.Debug {
		target = transports.NewDebug(target, stderr)
	}
	return target, nil
}

func newLocks(config Config) (locking.Group, error) {
	switch config.Locking {
	case lockingFile:
		return locking.NewFlock(config.LockDir)
	case lockingNone:
		return locking.NewNoOpGroup(), nil
	default:
		return locking.NewMemLock(), nil
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	config, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	logger := newLogger(config, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := metrics.NewLatencyTracker(0.01)
	cache := objcache.New(
		objcache.WithLogger(logger),
		objcache.WithRevokeHook(func(h *objcache.Handle) {
			logger.Debug("handle revoked", "handle", h.ID())
		}))
	defer cache.Clear()

	if config.MaxAge > 0 {
		go cache.RunJanitor(ctx, config.JanitorInterval, config.MaxAge)
	}

	locks, err := newLocks(config)
	if err != nil {
		return err
	}

	managerOpts := []transfer.ManagerOption{
		transfer.WithLocks(locks),
		transfer.WithManagerLogger(logger),
		transfer.WithManagerTracker(tracker),
		transfer.WithRetention(config.SessionRetention),
	}
	progOpts := []CacheProgOption{
		WithTracker(tracker),
		WithLogger(logger),
	}
	if config.Journal != "" {
		j, err := journal.Open(config.Journal)
		if err != nil {
			return err
		}
		defer j.Close()
		managerOpts = append(managerOpts, transfer.WithRecorder(j))
		progOpts = append(progOpts, WithJournal(j))
		if config.JournalRetention > 0 {
			pruneCtx, stopPruner := context.WithCancel(ctx)
			defer stopPruner()
			go j.RunPruner(pruneCtx, config.JanitorInterval, config.JournalRetention, logger)
		}
	}
	manager := transfer.NewManager(managerOpts...)
	if config.IdleTimeout > 0 {
		go manager.RunReaper(ctx, config.JanitorInterval, config.IdleTimeout)
	}

	target, err := newTarget(ctx, config, logger, stderr)
	if err != nil {
		return err
	}
	pipelineOpts := []transports.PipelineOption{
		transports.WithChunkSize(config.ChunkSize),
		transports.WithManager(manager),
		transports.WithLogger(logger),
		transports.WithUploaderOptions(
			transfer.WithConcurrency(config.Concurrency),
			transfer.WithLatencyTracker(tracker)),
	}
	if config.Resumable {
		pipelineOpts = append(pipelineOpts, transports.WithResumable())
	}
	pipeline := transports.NewPipeline(target, pipelineOpts...)

	if config.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              config.HTTPAddr,
			Handler:           httpapi.New(cache, manager, httpapi.WithLogger(logger)).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("inbound endpoint listening", "addr", config.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("inbound endpoint failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	progOpts = append(progOpts, WithUploader(pipeline))
	prog := NewCacheProg(cache, stdin, stdout, progOpts...)
	err = prog.Run(ctx)

	for _, stats := range tracker.GetAllStats() {
		logger.Info("transfer stats", "stats", stats.String())
	}
	return err
}
