package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/privacyscore/scanner/internal/log"
	"github.com/privacyscore/scanner/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/scand on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	flagListID      int64
	flagGroupID     int64
	flagAll         bool
	flagName        string
	flagDescription string
	flagPrivate     bool
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "scand")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is scand.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initScand

	scheduleCmd.Flags().Int64Var(&flagListID, "list", 0, "id of the list to scan")
	scheduleCmd.Flags().BoolVar(&flagAll, "all", false, "scan every list")
	scheduleCmd.MarkFlagsOneRequired("list", "all")
	scheduleCmd.MarkFlagsMutuallyExclusive("list", "all")

	listCreateCmd.Flags().StringVar(&flagName, "name", "", "name of the list")
	listCreateCmd.Flags().StringVar(&flagDescription, "description", "", "description of the list")
	listCreateCmd.Flags().BoolVar(&flagPrivate, "private", false, "hide the list from public listings")
	_ = listCreateCmd.MarkFlagRequired("name")

	listSitesCmd.Flags().Int64Var(&flagListID, "list", 0, "id of the list")
	_ = listSitesCmd.MarkFlagRequired("list")

	statusCmd.Flags().Int64Var(&flagListID, "list", 0, "show a list and its groups")
	statusCmd.Flags().Int64Var(&flagGroupID, "group", 0, "show a group and its scans")
	statusCmd.MarkFlagsOneRequired("list", "group")
	statusCmd.MarkFlagsMutuallyExclusive("list", "group")

	listCmd.AddCommand(listCreateCmd)
	listCmd.AddCommand(listSitesCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("scand failed", "err", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "scand",
	Short:        "Scan orchestrator running privacy tests against lists of sites",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the scheduler: periodic timeout sweep and optional rescans",
	RunE:  doRun,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "schedule a scan of a list and wait until its tests have run",
	RunE:  doSchedule,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "move timed out scan groups to error",
	RunE:  doSweep,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "manage scan lists",
}

var listCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "create an empty scan list",
	RunE:  doListCreate,
}

var listSitesCmd = &cobra.Command{
	Use:   "sites [url...]",
	Short: "replace the sites of a list",
	RunE:  doListSites,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "print a list or a scan group as json",
	RunE:  doStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a scand",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("scand: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("scand:  %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("scand",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))
	s, err := newScand(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	return s.supervisor.Do(ctx)
}

func doSchedule(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("scand",
		slog.String("cmd", "schedule"),
	))
	s, err := newScand(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	if flagAll {
		n, err := s.supervisor.ScheduleAll(ctx)
		s.supervisor.Close(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"scheduled": n})
	}

	ok, err := s.supervisor.Schedule(ctx, flagListID)
	if err != nil {
		return err
	}
	// waits for the dispatch and every unit it submitted
	s.supervisor.Close(ctx)
	if !ok {
		return printJSON(map[string]any{"scheduled": false, "list_id": flagListID})
	}
	g, err := s.records.LastGroup(ctx, flagListID)
	if err != nil {
		return err
	}
	return printJSON(g)
}

func doSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s, err := newScand(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	n, err := s.supervisor.Sweep(ctx, time.Now())
	if err != nil {
		return err
	}
	return printJSON(map[string]int64{"timed_out": n})
}

func doListCreate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s, err := newScand(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	l, err := s.records.CreateList(ctx, flagName, flagDescription, flagPrivate)
	if err != nil {
		return err
	}
	return printJSON(l)
}

func doListSites(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := newScand(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	sites, err := s.records.SaveSites(ctx, flagListID, args)
	if err != nil {
		return err
	}
	return printJSON(sites)
}

type scanStatus struct {
	model.Scan
	Results []model.ScanResult `json:"results"`
	Errors  []model.ScanError  `json:"errors"`
	Raw     []model.RawResult  `json:"raw"`
}

func doStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s, err := newScand(ctx, config)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	if flagListID != 0 {
		l, err := s.records.List(ctx, flagListID)
		if err != nil {
			return err
		}
		sites, err := s.records.Sites(ctx, flagListID)
		if err != nil {
			return err
		}
		groups, err := s.records.Groups(ctx, flagListID)
		if err != nil {
			return err
		}
		return printJSON(struct {
			model.ScanList
			Sites  []model.Site      `json:"sites"`
			Groups []model.ScanGroup `json:"groups"`
		}{l, sites, groups})
	}

	g, err := s.records.Group(ctx, flagGroupID)
	if err != nil {
		return err
	}
	scans, err := s.records.Scans(ctx, flagGroupID)
	if err != nil {
		return err
	}
	statuses := make([]scanStatus, 0, len(scans))
	for _, scan := range scans {
		st := scanStatus{Scan: scan}
		var errs [3]error
		st.Results, errs[0] = s.records.Results(ctx, scan.ID)
		st.Errors, errs[1] = s.records.Errors(ctx, scan.ID)
		st.Raw, errs[2] = s.records.RawResults(ctx, scan.ID)
		if err := errors.Join(errs[:]...); err != nil {
			return err
		}
		statuses = append(statuses, st)
	}
	return printJSON(struct {
		model.ScanGroup
		Scans []scanStatus `json:"scans"`
	}{g, statuses})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func initScand(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("SCANDCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "scand.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(userConfigPath)
		configPath = filepath.Join(userConfigPath, "scand.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}
	slog.SetDefault(log.New(config.Verbose, os.Stderr))

	slog.Debug("scand run", "configPath", configPath)
	slog.Debug("scand run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
