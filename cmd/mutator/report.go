package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/klyr/mutator/internal/report"
)

type reportOptions struct {
	configPath string
	since      string
	route      string
	problems   bool
	top        int
	format     string
	outPath    string
}

func newReportCmd() *cobra.Command {
	var opts reportOptions

	cmd := &cobra.Command{
		Use:   "report [exchange-log...]",
		Short: "Summarize what the header filter did, from exchange logs",
		Long: "Summarize exchange logs. With no log arguments the exchangeLog " +
			"configured in --config is read.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, opts, args)
		},
	}

	addConfigFlag(cmd, &opts.configPath)
	cmd.Flags().StringVar(&opts.since, "since", "", "Only include exchanges newer than this duration (e.g. 10m)")
	cmd.Flags().StringVar(&opts.route, "route", "", "Only include exchanges matched to this route")
	cmd.Flags().BoolVar(&opts.problems, "problems", false, "Only include exchanges with skipped rules or unresolved routes")
	cmd.Flags().IntVar(&opts.top, "top", 5, "Entries per top list")
	cmd.Flags().StringVar(&opts.format, "format", "text", "Output format: text|md|json")
	cmd.Flags().StringVarP(&opts.outPath, "out", "o", "", "Output file path (default stdout)")

	return cmd
}

func runReport(cmd *cobra.Command, opts reportOptions, paths []string) error {
	if len(paths) == 0 {
		path, err := configuredExchangeLog(opts.configPath)
		if err != nil {
			return err
		}
		paths = []string{path}
	}
	if opts.top < 1 {
		return fmt.Errorf("--top must be at least 1, got %d", opts.top)
	}

	reader := report.Reader{Route: opts.route, Problems: opts.problems}
	if opts.since != "" {
		dur, err := time.ParseDuration(opts.since)
		if err != nil {
			return fmt.Errorf("invalid since duration: %w", err)
		}
		reader.Since = time.Now().Add(-dur)
	}

	exchanges, err := reader.ReadAll(paths...)
	if err != nil {
		return err
	}
	summary := report.SummarizeTop(exchanges, opts.top)

	var out []byte
	switch opts.format {
	case "", "text":
		out = []byte(report.RenderText(summary))
	case "md":
		out = []byte(report.RenderMarkdown(summary))
	case "json":
		if out, err = report.RenderJSON(summary); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q", opts.format)
	}

	if opts.outPath == "" {
		_, err := cmd.OutOrStdout().Write(out)
		return err
	}
	return report.WriteOutput(opts.outPath, out)
}

func configuredExchangeLog(configPath string) (string, error) {
	if configPath == "" {
		return "", errors.New("no exchange log given and no config to read it from")
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Logging.ExchangeLog == "" {
		return "", fmt.Errorf("%s does not configure logging.exchangeLog", configPath)
	}
	return cfg.ResolvePath(cfg.Logging.ExchangeLog), nil
}
