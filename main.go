package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/darklight-media/darklight/internal"
	"github.com/darklight-media/darklight/internal/download"
	"github.com/darklight-media/darklight/pkg/logger"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	flag "github.com/spf13/pflag"
)

var log = logger.Get("CLI")

const usage = `Usage: darklight [flags] <command> [arguments]

Commands:
  serve                        run the request queue and pipeline workers
  submit <link>                submit a link for fetching, printing the request ID
  status <id>                  print the request with the given ID
  list                         print every request made by --requester
  artifact <id>                write the fetched artifact of a request to --output

Flags:
`

type cliOptions struct {
	configPath  string
	envPath     string
	logLevel    string
	requesterID string
	outputPath  string
}

func main() {
	opts := cliOptions{}
	flags := flag.NewFlagSet("darklight", flag.ExitOnError)
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file (env only if omitted)")
	flags.StringVar(&opts.envPath, "env-file", ".env", "path to a dotenv file loaded before reading configuration")
	flags.StringVar(&opts.logLevel, "log-level", "", "overrides the configured log level (verbose, debug, info, warning, error)")
	flags.StringVarP(&opts.requesterID, "requester", "r", "", "requester ID to attach to (submit) or filter by (list)")
	flags.StringVarP(&opts.outputPath, "output", "o", "", "destination for the artifact (defaults to the artifact name in the current directory)")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, args[0], args[1:]); err != nil {
		log.Emit(logger.FATAL, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts cliOptions, command string, args []string) error {
	config, err := loadConfig(opts, command)
	if err != nil {
		return err
	}

	dl := internal.New(config)
	if err := dl.Connect(ctx); err != nil {
		return err
	}

	switch command {
	case "serve":
		return dl.Run(ctx)
	case "submit":
		defer dl.Close()
		if len(args) != 1 {
			return errors.New("submit expects exactly one link")
		}
		id, err := dl.Queue().Add(ctx, args[0], opts.requesterID)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	case "status":
		defer dl.Close()
		id, err := parseID(args)
		if err != nil {
			return err
		}
		request, err := dl.Queue().Get(ctx, id)
		if err != nil {
			return err
		}
		if request == nil {
			return fmt.Errorf("%w: request %s", download.ErrNotFound, id)
		}
		return printJSON(request)
	case "list":
		defer dl.Close()
		if opts.requesterID == "" {
			return errors.New("list requires --requester")
		}
		requests, err := dl.Queue().ListByRequester(ctx, opts.requesterID)
		if err != nil {
			return err
		}
		return printJSON(requests)
	case "artifact":
		defer dl.Close()
		id, err := parseID(args)
		if err != nil {
			return err
		}
		return writeArtifact(ctx, dl.Queue(), id, opts.outputPath)
	}

	dl.Close()
	return fmt.Errorf("unknown command %q", command)
}

// loadConfig loads the dotenv file (if present) and then the configuration,
// applying the log level before any connections are made.
func loadConfig(opts cliOptions, command string) (internal.DarklightConfig, error) {
	if err := godotenv.Load(opts.envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return internal.DarklightConfig{}, fmt.Errorf("failed to load env file %s: %w", opts.envPath, err)
	}

	config := internal.DarklightConfig{}
	if err := config.LoadFromFile(opts.configPath); err != nil {
		return config, err
	}

	levelName := config.LogLevel
	if opts.logLevel != "" {
		levelName = opts.logLevel
	} else if command != "serve" {
		// Keep query output readable unless asked otherwise
		levelName = "warning"
	}

	level, err := logger.ParseLevel(levelName)
	if err != nil {
		return config, err
	}
	logger.SetMinLoggingLevel(level.Level())

	return config, nil
}

func parseID(args []string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, errors.New("expected exactly one request ID")
	}

	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q is not a request ID", download.ErrInvalidRequest, args[0])
	}
	return id, nil
}

func writeArtifact(ctx context.Context, queue *download.Queue, id uuid.UUID, outputPath string) error {
	artifact, err := queue.GetArtifact(ctx, id)
	if err != nil {
		return err
	}

	path := artifact.Name
	if outputPath != "" {
		if path, err = homedir.Expand(outputPath); err != nil {
			return err
		}
	}

	if err := os.WriteFile(path, artifact.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact to %s: %w", path, err)
	}

	abs, _ := filepath.Abs(path)
	fmt.Println(abs)
	return nil
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
