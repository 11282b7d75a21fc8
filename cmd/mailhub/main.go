// Command mailhub aggregates mailboxes from several providers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/nhle/mailhub/internal/credential"
	"github.com/nhle/mailhub/internal/logging"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
	"github.com/nhle/mailhub/internal/server"
	"github.com/nhle/mailhub/internal/source"
	"github.com/nhle/mailhub/internal/sync"
	"github.com/nhle/mailhub/internal/theme"
)

const usage = `Usage: mailhub [flags] <command> [args]

Commands:
  serve                 run the HTTP API
  status                initialize providers and print their state
  recent                print the newest messages across providers
  search <query>        search every provider
  unread                print unread counts
  stats                 print message statistics
  auth <provider>       print the authorization URL, or complete it with --code

Flags:
`

type options struct {
	configPath string
	logLevel   string
	limit      int
	jsonOut    bool
	code       string
	state      string
}

func main() {
	var opts options
	fs := flag.NewFlagSet("mailhub", flag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", model.DefaultConfigPath(), "path to the config file")
	fs.StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	fs.IntVarP(&opts.limit, "limit", "n", 0, "maximum number of messages")
	fs.BoolVar(&opts.jsonOut, "json", false, "print JSON instead of text")
	fs.StringVar(&opts.code, "code", "", "authorization code for the auth command")
	fs.StringVar(&opts.state, "state", "mailhub", "state value for the authorization URL")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, fs.Arg(0), fs.Args()[1:]); err != nil {
		logging.Logger(logging.LogMain).WithError(err).Error("mailhub failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, cmd string, args []string) error {
	logging.Init(opts.logLevel)

	cfg, err := model.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel == "" {
		logging.SetLevel(cfg.LogLevel)
	}
	log := logging.Logger(logging.LogMain)

	store := credential.NewKeyring()
	entries, err := provider.EntriesFromConfig(cfg, credential.NewResolver(store), provider.ConnectorOptions{Tokens: store})
	if err != nil {
		return err
	}
	m, err := provider.NewManager(entries, provider.OptionsFromConfig(cfg.Aggregate)...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Close(closeCtx); err != nil {
			log.WithError(err).Warn("Closing providers")
		}
	}()

	if cmd == "auth" {
		return runAuth(ctx, m, opts, args)
	}

	statuses := m.Start(ctx)
	log.WithField("providers", len(statuses)).Debug("Providers started")

	switch cmd {
	case "serve":
		return serve(ctx, m, cfg)
	case "status":
		return output(opts, statuses, func() string { return theme.RenderStatuses(statuses) })
	case "recent":
		res := m.RecentAll(ctx, opts.limit)
		return output(opts, res, func() string { return theme.RenderMessages("Recent", res.Merged, res.Errors()) })
	case "search":
		if len(args) == 0 {
			return errors.New("search needs a query")
		}
		res := m.SearchAll(ctx, source.SearchOptions{Query: strings.Join(args, " "), MaxResults: opts.limit})
		return output(opts, res, func() string { return theme.RenderMessages("Search", res.Merged, res.Errors()) })
	case "unread":
		res := m.UnreadCountsAll(ctx)
		return output(opts, res, func() string { return theme.RenderUnread(res) })
	case "stats":
		res := m.StatsAll(ctx)
		return output(opts, res, func() string { return theme.RenderStats(res) })
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func serve(ctx context.Context, m *provider.Manager, cfg *model.AppConfig) error {
	poller := sync.New(m, time.Duration(cfg.Aggregate.RefreshIntervalSec)*time.Second)
	poller.Start()
	defer poller.Stop()

	return server.New(m, cfg.Server).Listen(ctx)
}

func runAuth(ctx context.Context, m *provider.Manager, opts options, args []string) error {
	if len(args) == 0 {
		return errors.New("auth needs a provider id")
	}
	id := args[0]

	if opts.code == "" {
		u, err := m.AuthURL(id, opts.state)
		if err != nil {
			return err
		}
		fmt.Println("Open this URL and pass the returned code with --code:")
		fmt.Println(u)
		return nil
	}

	st, err := m.AuthCallback(ctx, id, opts.code)
	if err != nil {
		return err
	}
	fmt.Print(theme.RenderStatuses([]provider.ProviderStatus{st}))
	return nil
}

func output(opts options, v any, text func() string) error {
	if opts.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Println(text())
	return nil
}
