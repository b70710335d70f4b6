// Command storaged is the storage core's process entrypoint: it parses
// flags/YAML config, builds the component graph, starts background
// workers, and serves a small operational HTTP surface (metrics/health).
// Request parsing/routing over HTTP/WebDAV/CalDAV/CardDAV/WOPI is an
// external collaborator out of this module's scope; storaged only
// constructs the storagecore.Core those collaborators would call into.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/urfave/cli/v2"

	"github.com/oxicloud/storage-core/blob"
	"github.com/oxicloud/storage-core/config"
	"github.com/oxicloud/storage-core/contentcache"
	"github.com/oxicloud/storage-core/download"
	"github.com/oxicloud/storage-core/metadata"
	"github.com/oxicloud/storage-core/metric"
	"github.com/oxicloud/storage-core/metric/prometheus"
	"github.com/oxicloud/storage-core/rlimit"
	"github.com/oxicloud/storage-core/storagecore"
	"github.com/oxicloud/storage-core/transcode"
	"github.com/oxicloud/storage-core/trash"
	"github.com/oxicloud/storage-core/upload"
	"github.com/oxicloud/storage-core/wopilock"
	"github.com/oxicloud/storage-core/writebehind"
)

// gitCommit is the version stamp for the server. Set through linker options.
var gitCommit string

func main() {
	log.SetFlags(config.LogFlags)

	maybeGitCommitMsg := ""
	if len(gitCommit) > 0 && gitCommit != "{STABLE_GIT_COMMIT}" {
		maybeGitCommitMsg = fmt.Sprintf(" from git commit %s", gitCommit)
	}
	log.Printf("storaged starting%s.", maybeGitCommitMsg)

	app := cli.NewApp()
	app.Name = "storaged"
	app.Usage = "OxiCloud storage core daemon"
	app.Flags = config.GetCliFlags()
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatal("storaged terminated:", err)
	}
}

func run(ctx *cli.Context) error {
	c, err := loadConfig(ctx)
	if err != nil {
		fmt.Fprintf(ctx.App.Writer, "%v\n\n", err)
		cli.ShowAppHelp(ctx)
		return cli.Exit("", 1)
	}

	if ctx.NArg() > 0 {
		fmt.Fprintf(ctx.App.Writer, "Error: storaged does not take positional arguments\n")
		cli.ShowAppHelp(ctx)
		return cli.Exit("", 1)
	}

	rlimit.Raise()

	core, err := buildCore(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	core.Start(bgCtx)
	startMetricsLoop(bgCtx, core)

	mux := http.NewServeMux()
	prometheus.WrapEndpoints(mux, healthzHandler(core))

	if c.ProfileAddress != "" {
		go func() {
			log.Printf("Starting pprof server on %s", c.ProfileAddress)
			log.Println(http.ListenAndServe(c.ProfileAddress, nil))
		}()
	}

	httpServer := &http.Server{
		Addr:    c.HTTPAddress,
		Handler: mux,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("storaged: shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := core.Shutdown(shutdownCtx); err != nil {
			log.Printf("storaged: shutdown error: %v", err)
		}
		httpServer.Shutdown(context.Background())
	}()

	log.Printf("Starting operational HTTP server on address %s", httpServer.Addr)
	err = httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	if configFile := ctx.String("config_file"); configFile != "" {
		return config.NewFromYamlFile(configFile)
	}
	return config.New(
		ctx.String("dir"),
		ctx.String("metadata_db"),
		ctx.String("http_address"),
		ctx.String("profile_address"),
		ctx.Int64("write_behind_max_entry_bytes"),
		ctx.Int64("content_cache_max_bytes"),
		ctx.Int("trash_retention_days"),
	)
}

// buildCore wires every storage-core component per c, in leaf-to-root
// dependency order (BlobStore and MetadataStore first, the Core facade
// last).
func buildCore(c *config.Config) (*storagecore.Core, error) {
	if err := os.MkdirAll(filepath.Dir(c.Metadata.SqlitePath), 0755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	db, err := sql.Open("sqlite3", c.Metadata.SqlitePath)
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}

	metadataStore, err := metadata.Open(db, time.Duration(c.Metadata.QueryTimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	var blobOpts []blob.Option
	if c.Blob.MaxBlobSize > 0 {
		blobOpts = append(blobOpts, blob.WithMaxBlobSize(c.Blob.MaxBlobSize))
	}
	diskStore, err := blob.Open(c.Blob.RootPath, db, blobOpts...)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	var blobs blob.Store = metric.NewBlobStoreDecorator(diskStore, prometheus.NewCounterVec(
		"oxicloud_blob_store_requests_total",
		"Seconds spent in blob store operations, by method and status."))

	locks, err := wopilock.Open(db, wopilock.DefaultExpiry)
	if err != nil {
		return nil, fmt.Errorf("open wopi lock table: %w", err)
	}

	var wb *writebehind.Cache
	if c.WriteBehind.Enabled {
		wb = writebehind.New(writebehind.Config{
			MaxEntryBytes: c.WriteBehind.MaxEntryBytes,
			MaxTotalBytes: c.WriteBehind.MaxTotalBytes,
			FlushInterval: c.WriteBehind.FlushInterval(),
			DwellTime:     c.WriteBehind.DwellTime(),
		}, blobs, metadataStore, c.ErrorLogger)
	}

	contentCache := contentcache.New(contentcache.Config{
		MaxFileBytes:  c.ContentCache.MaxFileBytes,
		MaxTotalBytes: c.ContentCache.MaxBytes,
	})

	var transcodes *transcode.Cache
	if c.Transcode.Enabled {
		transcodes = transcode.New(transcode.Config{SourceSizeCap: c.Transcode.SourceSizeCap})
	}

	trashMgr := trash.New(trash.Config{
		Retention:     c.RetentionDuration(),
		SweepInterval: c.SweepInterval(),
	}, metadataStore, blobs, c.ErrorLogger)

	// Crash recovery: uploads that were acked into the write-behind cache
	// but never flushed left File rows with the sentinel hash; drop them
	// before serving traffic.
	if removed, err := writebehind.RecoverSentinels(context.Background(), metadataStore); err != nil {
		return nil, fmt.Errorf("recover interrupted write-behind uploads: %w", err)
	} else if removed > 0 {
		log.Printf("Removed %d file entries from interrupted write-behind uploads.", removed)
	}

	if err := os.MkdirAll(c.Blob.TmpPath, 0755); err != nil {
		return nil, fmt.Errorf("create blob tmp dir: %w", err)
	}

	uploader := upload.New(blobs, metadataStore, wb)
	chunked := upload.NewChunkManager(uploader, c.Blob.TmpPath, c.ChunkedUpload.ChunkBytes, c.ChunkedUpload.SessionTTL())
	downloader := download.New(blobs, metadataStore, wb, contentCache, transcodes)

	return storagecore.New(storagecore.Deps{
		Blobs:       blobs,
		Metadata:    metadataStore,
		WriteBehind: wb,
		Content:     contentCache,
		Transcodes:  transcodes,
		Locks:       locks,
		Trash:       trashMgr,
		Upload:      uploader,
		Chunked:     chunked,
		Download:    downloader,
		Logger:      c.ErrorLogger,
	}), nil
}

// startMetricsLoop publishes cache occupancy gauges on a fixed cadence.
func startMetricsLoop(ctx context.Context, core *storagecore.Core) {
	col := prometheus.NewCollector()
	pendingEntries := col.NewGuage("oxicloud_write_behind_pending_entries")
	pendingBytes := col.NewGuage("oxicloud_write_behind_pending_bytes")

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if wb := core.WriteBehind(); wb != nil {
					s := wb.Stats()
					pendingEntries.Set(float64(s.PendingCount))
					pendingBytes.Set(float64(s.PendingBytes))
				}
			}
		}
	}()
}

func healthzHandler(core *storagecore.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
