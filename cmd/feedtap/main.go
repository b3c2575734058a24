// feedtap connects to a configured record source and dumps every raw record
// as a JSON line, for capturing real traffic to drive classifier fixtures.
// The -sanitize mode redacts phone numbers and caller names from a capture
// before it is committed anywhere.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/sweeney/asterisk-shipper/internal/cdr"
	"github.com/sweeney/asterisk-shipper/internal/config"
	"github.com/sweeney/asterisk-shipper/internal/feed"
)

func main() {
	configPath := flag.String("config", "/etc/asterisk-shipper/asterisk-shipper.yaml", "Path to config file")
	sanitize := flag.String("sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
	flag.Parse()

	if *sanitize != "" {
		if err := sanitizeFile(*sanitize); err != nil {
			fmt.Fprintf(os.Stderr, "sanitize error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sanitized:", *sanitize)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := tap(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func tap(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	src, cleanup, err := buildFeed(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Fprintf(os.Stderr, "tapping %s feed (ctrl+c to stop)...\n", src.Name())

	records := make(chan cdr.RawRecord, 64)
	go func() {
		defer close(records)
		if err := src.Run(ctx, records); err != nil {
			logger.Error("feed stopped", "error", err)
		}
	}()

	enc := json.NewEncoder(os.Stdout)
	for rec := range records {
		line := struct {
			Kind   cdr.RawKind       `json:"kind"`
			Fields map[string]string `json:"fields"`
		}{rec.Kind, rec.Fields}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

// buildFeed mirrors the engine's source selection. A tap always reads from
// now, so the db cursor starts at the newest existing record.
func buildFeed(ctx context.Context, cfg *config.Config, logger *slog.Logger) (feed.Feed, func(), error) {
	switch cfg.Feed.Source {
	case "db":
		f, err := feed.NewDBFeed(ctx, feed.DBConfig{
			URL:          cfg.Feed.DB.URL,
			CDRTable:     cfg.Feed.DB.CDRTable,
			CELTable:     cfg.Feed.DB.CELTable,
			PollInterval: cfg.Feed.DB.PollInterval,
			FetchLimit:   cfg.Feed.DB.FetchLimit,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if max, err := f.MaxRecordTime(ctx); err == nil {
			f.SeedCursor(max)
		}
		return f, f.Close, nil
	case "csv":
		return feed.NewCSVFeed(feed.CSVConfig{
			Path:         cfg.Feed.CSV.Path,
			PollInterval: cfg.Feed.CSV.PollInterval,
		}, logger), func() {}, nil
	case "ami":
		return feed.NewAMIFeed(feed.AMIConfig{
			Address:  cfg.Feed.AMIAddr(),
			Username: cfg.Feed.AMI.Username,
			Secret:   cfg.Feed.AMI.Secret,
		}, logger), func() {}, nil
	case "nats":
		f, err := feed.NewNATSFeed(feed.NATSConfig{
			URL:        cfg.Feed.NATS.URL,
			Token:      cfg.Feed.NATS.Token,
			CDRSubject: cfg.Feed.NATS.CDRSubject,
			CELSubject: cfg.Feed.NATS.CELSubject,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown feed source %q", cfg.Feed.Source)
	}
}

var (
	phonePattern  = regexp.MustCompile(`\b1?\d{10}\b`)
	namePattern   = regexp.MustCompile(`("cid_name":\s*")[^"]*`)
	secretPattern = regexp.MustCompile(`(?i)("(?:secret|password|api_key)":\s*")[^"]*`)
)

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		line = secretPattern.ReplaceAllString(line, "${1}REDACTED")
		line = namePattern.ReplaceAllString(line, "${1}REDACTED")
		line = phonePattern.ReplaceAllString(line, "15550001234")
		lines[i] = line
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}
