package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/petems/tapnote/internal/audio"
	"github.com/petems/tapnote/internal/config"
	"github.com/petems/tapnote/internal/logging"
	"github.com/petems/tapnote/internal/resolver"
	"github.com/petems/tapnote/internal/source"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

var (
	cfgFile string

	selectProcess string
	selectInput   string
)

var rootCmd = &cobra.Command{
	Use:   "tapnote",
	Short: "Record application audio and microphone as WAV chunks",
	Long: `tapnote captures the audio of one application (by default the process
playing your default browser's audio) together with the microphone, and
delivers 16 kHz mono WAV chunks every few seconds to a directory or a
WebSocket endpoint.`,
	SilenceUsage: true,
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List capturable applications and input devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(env *env) error {
			procs := env.discoverer.ListProcessSources(cmd.Context())
			inputs := env.discoverer.ListInputDevices(cmd.Context())

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tID\tNAME\tBUNDLE\tSUPPORTED")
			for _, s := range append(procs, inputs...) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", s.Kind, s.ID, s.Name, s.BundleID, s.Supported)
			}
			return w.Flush()
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show the process that would be captured by default",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(env *env) error {
			src, err := env.resolver.Resolve(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s (pid %d, %s)\n", src.Name, src.PID, src.BundleID)
			return nil
		})
	},
}

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Choose and persist the application and input device to record",
	RunE: func(cmd *cobra.Command, args []string) error {
		if selectProcess == "" && selectInput == "" {
			return fmt.Errorf("nothing to select: pass --process and/or --input")
		}
		return withEnv(func(env *env) error {
			application := env.newApp(nil, nil, nil)
			application.RestoreSelection(cmd.Context())
			procs, inputs := application.Sources(cmd.Context())

			if selectProcess != "" {
				src, err := pick(selectProcess, procs)
				if err != nil {
					return err
				}
				if err := application.SetProcessSource(src); err != nil {
					return err
				}
			}
			if selectInput != "" {
				src, err := pick(selectInput, inputs)
				if err != nil {
					return err
				}
				if err := application.SetInputDevice(src); err != nil {
					return err
				}
			}

			sel := application.Selection()
			fmt.Printf("process: %s\ninput:   %s\n", describe(sel.Process, "default producer"), describe(sel.Input, "system default"))
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tapnote %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the platform config directory)")

	selectCmd.Flags().StringVar(&selectProcess, "process", "", `process id, bundle id or name; "default" clears`)
	selectCmd.Flags().StringVar(&selectInput, "input", "", `input device id or name; "default" clears`)

	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env holds what every command needs.
type env struct {
	cfg        *config.Config
	log        zerolog.Logger
	input      audio.InputEngine
	discoverer *source.Discoverer
	resolver   *resolver.Resolver
}

func withEnv(fn func(*env) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.NewWithLevel(cfg.LogLevel)

	input, err := audio.New(log)
	if err != nil {
		return err
	}
	defer input.Close()

	discoverer := source.NewDiscoverer(source.SystemProcesses{Log: log}, input, log)
	return fn(&env{
		cfg:        cfg,
		log:        log,
		input:      input,
		discoverer: discoverer,
		resolver:   resolver.New(resolver.NewDefaultHandler(), discoverer, log),
	})
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFrom(cfgFile)
	}
	return config.Load()
}

// pick finds query among sources by id, bundle id or name.
func pick(query string, sources []source.AudioSource) (*source.AudioSource, error) {
	if strings.EqualFold(query, "default") {
		return nil, nil
	}
	for _, match := range []func(source.AudioSource) bool{
		func(s source.AudioSource) bool { return s.ID == query },
		func(s source.AudioSource) bool { return s.BundleID != "" && strings.EqualFold(s.BundleID, query) },
		func(s source.AudioSource) bool { return strings.EqualFold(s.Name, query) },
	} {
		for i := range sources {
			if match(sources[i]) {
				return &sources[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no source matches %q", query)
}

func describe(s *source.AudioSource, fallback string) string {
	if s == nil {
		return fallback
	}
	return s.Name
}
