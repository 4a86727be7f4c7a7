// Command mlflow-search-probe reproduces the MLflow model registry defect
// where model-versions/search returns an empty result for a filter naming
// a model that was just created.
//
// Requires a tracking server on localhost:5000 unless MLFLOW_TRACKING_URI
// or -tracking-uri says otherwise.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"

	"github.com/skpr/mlflow-search-probe/internal/connection"
	"github.com/skpr/mlflow-search-probe/internal/mlflow"
	"github.com/skpr/mlflow-search-probe/internal/probe"
)

var (
	// set by goreleaser.
	version string = "dev"
)

const (
	exitOK           = 0
	exitError        = 1
	exitInvalidInput = 2
	exitBugConfirmed = 3
)

// envLogLevel enables JSON logs on stderr at the given level.
const envLogLevel = "MLFLOW_PROBE_LOG"

func main() {
	ctx := context.Background()

	if _, ok := os.LookupEnv(envLogLevel); ok {
		ctx = tfsdklog.NewRootProviderLogger(ctx,
			tfsdklog.WithLogName("mlflow-search-probe"),
			tfsdklog.WithLevelFromEnv(envLogLevel),
		)
	}

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv))
}

type options struct {
	trackingURI string
	modelName   string
	unique      bool
	cleanup     bool
	waitReady   time.Duration
	failOnBug   bool
	pageSize    int
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options

	flags := flag.NewFlagSet("mlflow-search-probe", flag.ContinueOnError)
	flags.SetOutput(stderr)

	flags.StringVar(&opts.trackingURI, "tracking-uri", "", "MLflow tracking server URL (default $"+connection.EnvTrackingURI+" or "+connection.DefaultTrackingURI+")")
	flags.StringVar(&opts.modelName, "model-name", probe.DefaultModelName, "registered model to create and search for")
	flags.BoolVar(&opts.unique, "unique", false, "append a random suffix to the model name so version 1 is always fresh")
	flags.BoolVar(&opts.cleanup, "cleanup", false, "delete the registered model after the diagnosis")
	flags.DurationVar(&opts.waitReady, "wait-ready", 0, "wait up to this long for the tracking server to report healthy")
	flags.BoolVar(&opts.failOnBug, "fail-on-bug", false, fmt.Sprintf("exit with status %d when the bug is confirmed", exitBugConfirmed))
	flags.IntVar(&opts.pageSize, "page-size", mlflow.DefaultPageSize, "max_results per search page, 0 for the server default")

	if err := flags.Parse(args); err != nil {
		return opts, err
	}

	if flags.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", flags.Args())
	}

	if opts.modelName == "" {
		return opts, errors.New("-model-name must not be empty")
	}

	if opts.unique {
		opts.modelName = fmt.Sprintf("%s-%s", opts.modelName, uuid.NewString())
	}

	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, lookup connection.LookupFunc) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(stderr, "mlflow-search-probe %s\n", version)
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return exitInvalidInput
	}

	settings, diags := connection.FromEnv(lookup)
	if opts.trackingURI != "" {
		settings.TrackingURI = types.StringValue(opts.trackingURI)
	}

	config, configDiags := settings.Config(ctx)
	diags.Append(configDiags...)

	if diags.HasError() {
		for _, d := range diags.Errors() {
			fmt.Fprintf(stderr, "Error: %s: %s\n", d.Summary(), d.Detail())
		}
		return exitInvalidInput
	}

	client, err := mlflow.NewClient(config, mlflow.WithPageSize(opts.pageSize))
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return exitInvalidInput
	}

	if opts.waitReady > 0 {
		if err := probe.WaitReady(ctx, client, opts.waitReady, probe.DefaultPollInterval); err != nil {
			fmt.Fprintln(stderr, "Error:", err)
			return exitError
		}
	}

	p := &probe.Probe{
		Registry:  client,
		ModelName: opts.modelName,
		Out:       stdout,
	}

	result, err := p.Run(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return exitError
	}

	if opts.cleanup {
		if err := probe.Cleanup(ctx, client, stdout, result.ModelName); err != nil {
			fmt.Fprintln(stderr, "Error:", err)
			return exitError
		}
	}

	if result.BugConfirmed && opts.failOnBug {
		return exitBugConfirmed
	}

	return exitOK
}
