package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"sitebuilder/internal/agentlog"
	"sitebuilder/internal/design"
	"sitebuilder/internal/media"
	"sitebuilder/internal/pipeline"
	"sitebuilder/internal/stock"
	"sitebuilder/internal/validation"
	"sitebuilder/pkg/models"
)

func generateCmd() *cobra.Command {
	var (
		force          bool
		skipValidation bool
		noFix          bool
		creative       bool
		maxFixCycles   int
		clientInfoPath string
	)

	cmd := &cobra.Command{
		Use:   "generate <url-or-description> <client-name>",
		Short: "Generate a complete site from a source URL or a business description",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := models.Slugify(args[1])
			if name == "" {
				return fmt.Errorf("invalid client name %q", args[1])
			}
			clientInfo := map[string]any{}
			if clientInfoPath != "" {
				data, err := os.ReadFile(clientInfoPath)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &clientInfo); err != nil {
					return fmt.Errorf("parse client info: %w", err)
				}
			}

			comps, log, err := components(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			opts := pipeline.DefaultOptions(comps.Config)
			opts.Force = force
			if cmd.Flags().Changed("skip-validation") {
				opts.SkipValidation = skipValidation
			}
			if cmd.Flags().Changed("no-fix") {
				opts.NoFix = noFix
			}
			if cmd.Flags().Changed("creative") {
				opts.Creative = creative
			}
			if cmd.Flags().Changed("max-fix-cycles") {
				opts.MaxFixCycles = max(maxFixCycles, 0)
			}

			job := pipeline.NewJob(name, name, args[0], clientInfo, opts)
			res, err := comps.Pipeline(pipeline.NewLogSink(log)).Run(cmd.Context(), job)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"site":             name,
				"outputDir":        res.OutputDir,
				"score":            res.Score,
				"artifactLocation": res.ArtifactLocation,
				"phases":           job.Phases(),
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Replace an existing output directory")
	cmd.Flags().BoolVarP(&force, "yes", "y", false, "Alias of --force")
	cmd.Flags().BoolVar(&skipValidation, "skip-validation", false, "Skip the visual validation")
	cmd.Flags().BoolVar(&noFix, "no-fix", false, "Validate without applying fixes")
	cmd.Flags().BoolVar(&creative, "creative", false, "Let the creative director pick section variants")
	cmd.Flags().IntVar(&maxFixCycles, "max-fix-cycles", 1, "Maximum visual fix cycles")
	cmd.Flags().StringVar(&clientInfoPath, "client-info", "", "JSON file with the client information")
	return cmd
}

func validateCmd() *cobra.Command {
	var fix bool

	cmd := &cobra.Command{
		Use:   "validate <dir>",
		Short: "Visually validate a built project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, log, err := components(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			dir := args[0]
			v := validation.NewValidator(
				comps.Agent.WithRecorder(agentlog.New(dir, log)),
				validation.NewCapturer(comps.Browser, log),
				comps.Builder,
				comps.PreviewStarter(),
				validation.Options{AutoFix: fix, MaxFixCycles: comps.Config.Validation.MaxFixCycles},
				log,
			)
			out := v.Run(cmd.Context(), dir, v.NewMachine(uuid.NewString()))
			if out.Skipped() {
				return out.Skip
			}
			if err := printJSON(cmd, out.Report()); err != nil {
				return err
			}
			if rep := out.Report(); rep != nil && !rep.Validated() {
				return fmt.Errorf("validation score %d: blocking issues remain", rep.Score)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "Let the agent fix blocking issues")
	return cmd
}

func analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <url> [dir]",
		Short: "Analyze the design of a source site",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, log, err := components(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			dir := dirArg(args, 1)
			agent := comps.Agent.WithRecorder(agentlog.New(dir, log))
			profile := design.NewAnalyzer(comps.Rules, comps.Browser, agent, log).Analyze(cmd.Context(), args[0], dir)
			if profile == nil {
				return errors.New("design analysis produced nothing; check the URL and the browser")
			}
			return printJSON(cmd, profile)
		},
	}
}

func extractMediaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract-media <url> [dir]",
		Short: "Download the logo, hero and significant images of a site",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, log, err := components(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			res := media.NewExtractor(comps.Browser, comps.HTTP, log).Extract(cmd.Context(), args[0], dirArg(args, 1))
			return printJSON(cmd, res)
		},
	}
}

func imagesCmd() *cobra.Command {
	var (
		count    int
		category string
	)

	cmd := &cobra.Command{
		Use:   "images <keywords> [dir]",
		Short: "Download stock images, or placeholders when no provider is configured",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, _, err := components(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			dir := dirArg(args, 1)
			if !comps.Stock.Configured() {
				paths, err := stock.CreatePlaceholders(dir, stock.DefaultPlaceholders(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"placeholders": paths})
			}
			res, err := comps.Stock.FetchForSite(cmd.Context(), args[0], dir, stock.FetchOptions{Count: count, Category: category})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "Number of images")
	cmd.Flags().StringVarP(&category, "category", "c", "general", "File name prefix of the images")
	return cmd
}

func agentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent-status",
		Short: "Check that the agent CLI is installed and logged in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, _, err := components(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()

			status := comps.Agent.CheckStatus(cmd.Context())
			if err := printJSON(cmd, status); err != nil {
				return err
			}
			switch {
			case !status.Installed:
				return errors.New("agent CLI is not installed")
			case !status.Authenticated:
				return errors.New("agent CLI is not logged in")
			}
			return nil
		},
	}
}
