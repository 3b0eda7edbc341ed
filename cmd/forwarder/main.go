// Command forwarder is the Rusty Timer edge binary: it reads chip
// lines off one or more readers, journals them durably, and ships them
// to the Server over a persistent websocket uplink (spec.md §4.1-4.3).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rustytimer/rusty-timer/internal/applog"
	"github.com/rustytimer/rusty-timer/internal/event"
	"github.com/rustytimer/rusty-timer/internal/fwdconfig"
	"github.com/rustytimer/rusty-timer/internal/fwdstatus"
	"github.com/rustytimer/rusty-timer/internal/journal"
	"github.com/rustytimer/rusty-timer/internal/reader"
	"github.com/rustytimer/rusty-timer/internal/singleinstance"
	"github.com/rustytimer/rusty-timer/internal/streamkey"
	"github.com/rustytimer/rusty-timer/internal/uplink"
)

func main() {
	configPath := flag.String("config", "forwarder.toml", "path to the TOML config file")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	flag.Parse()

	logger := applog.New(*logLevel)

	release, ok, err := singleinstance.AcquireLock("rusty-timer-forwarder")
	if err != nil {
		log.Fatalf("forwarder: single instance check: %v", err)
	}
	if !ok {
		log.Fatal("forwarder: another instance is already running")
	}
	defer release()

	cfg, err := fwdconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("forwarder: config: %v", err)
	}
	token, err := fwdconfig.LoadToken(cfg.Auth.TokenFile)
	if err != nil {
		log.Fatalf("forwarder: token: %v", err)
	}

	var journalOpts []journal.Option
	if cfg.Journal.MaxSizeMB > 0 {
		journalOpts = append(journalOpts, journal.WithMaxSizeBytes(int64(cfg.Journal.MaxSizeMB)<<20))
	}
	j, err := journal.Open(cfg.Journal.SQLitePath, journalOpts...)
	if err != nil {
		logger.Error("failed to open journal", "error", err)
		os.Exit(1)
	}
	defer j.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	up := uplink.New(uplink.Config{
		ServerURL:       cfg.Server.BaseURL,
		ForwarderWSPath: cfg.Server.ForwardersWSPath,
		ForwarderID:     cfg.DisplayName,
		Token:           token,
		BatchMode:       uplink.BatchMode(cfg.Uplink.BatchMode),
		BatchFlushMs:    cfg.Uplink.BatchFlushMs,
		BatchMaxEvents:  cfg.Uplink.BatchMaxEvents,
	}, j, uplink.WithLogger(logger))

	startReaders(ctx, cfg, j, up, logger)

	go func() {
		if err := up.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("uplink stopped", "error", err)
		}
	}()

	go runPruneLoop(ctx, j, cfg.Journal.PruneWatermarkPct, logger)

	// Connected reports each reader's configured enabled flag, not a live
	// connection check, and JournalUsagePct is not filled in (always 0).
	snapshot := func(ctx context.Context) fwdstatus.StatusSnapshot {
		readers := make([]fwdstatus.ReaderStatus, 0, len(cfg.Readers))
		for _, r := range cfg.Readers {
			readers = append(readers, fwdstatus.ReaderStatus{Target: r.Target, Connected: r.Enabled})
		}
		return fwdstatus.StatusSnapshot{
			ForwarderID: cfg.DisplayName,
			UplinkState: string(up.State()),
			Readers:     readers,
		}
	}
	statusAPI := fwdstatus.New(cfg.StatusHTTP.Bind, snapshot, fwdstatus.WithLogger(logger))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("forwarder status API starting", "bind", cfg.StatusHTTP.Bind)
		if err := statusAPI.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("status API error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	statusAPI.Shutdown(shutdownCtx)

	logger.Info("forwarder stopped")
}

// startReaders launches one reader.Ingester per configured, enabled
// reader, each owning its own stream identity (forwarder_id@reader_ip)
// and notifying the uplink after every successful journal append so it
// can attempt an opportunistic flush rather than waiting on a timer.
// A reader with local_fallback_port set tails a local spool file
// instead of dialing out, for race-day setups where the reader
// hardware itself writes captured lines to disk on that port's
// well-known path rather than accepting a TCP client.
func startReaders(ctx context.Context, cfg fwdconfig.Config, j *journal.Journal, up *uplink.Client, logger *slog.Logger) {
	for _, rc := range cfg.Readers {
		if !rc.Enabled {
			continue
		}
		readerIP := rc.Target
		if i := strings.LastIndexByte(readerIP, ':'); i >= 0 {
			readerIP = readerIP[:i]
		}
		key := streamkey.Key{ForwarderID: cfg.DisplayName, ReaderIP: readerIP}

		var source reader.EventSource
		if rc.LocalFallbackPort > 0 {
			spoolPath := fmt.Sprintf("/var/spool/rusty-timer/reader-%d.spool", rc.LocalFallbackPort)
			source = reader.NewSpoolSource(spoolPath, reader.WithSpoolLogger(logger))
		} else {
			source = reader.NewTCPSource(rc.Target, reader.WithTCPLogger(logger))
		}

		ing := reader.New(key, source, j, passthroughParser{},
			reader.WithLogger(logger),
			reader.OnAppend(func(reader.AppendedEvent) { up.Notify() }),
		)

		go func(ing *reader.Ingester, key streamkey.Key) {
			if err := ing.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("reader ingester stopped", "stream_key", key.String(), "error", err)
			}
		}(ing, key)
	}
}

func runPruneLoop(ctx context.Context, j *journal.Journal, watermarkPct int, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.PruneIfNeeded(ctx, watermarkPct, logger); err != nil {
				logger.Warn("journal prune failed", "error", err)
			}
		}
	}
}

// passthroughParser is a minimal stand-in for the IPICO line-record
// parser, which spec.md §1 scopes as an external peripheral library
// this repo only defines the collaborator interface for
// (reader.LineParser). It treats an entire line as one RAW frame so
// the ingest pipeline is exercisable without that library present.
type passthroughParser struct{}

func (passthroughParser) Parse(line string) (reader.ParsedLine, error) {
	return reader.ParsedLine{
		ReaderTimestamp: time.Now().UTC(),
		RawFrame:        []byte(line),
		ReadType:        event.ReadTypeRaw,
	}, nil
}
