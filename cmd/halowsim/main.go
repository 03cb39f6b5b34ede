// Command halowsim runs the halow transport against a simulated chip and
// reports transport statistics.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/soypat/halow/internal/chipsim"
	"github.com/soypat/halow/wire"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const levelTrace = slog.LevelDebug - 1

const envPrefix = "HALOWSIM_"

var rootCmd = &cobra.Command{
	Use:   "halowsim",
	Short: "Run the halow paged transport against a simulated chip.",
	Long: `halowsim attaches the halow host transport to a simulated chip and exercises it. ` +
		`Every flag may also be set from the environment as HALOWSIM_<FLAG>, ` +
		`for example HALOWSIM_PAGE_SIZE=512. Environment files given with --env are loaded first.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFiles, _ := cmd.Flags().GetStringSlice("env")
		err := loadEnv(envFiles)
		if err != nil {
			return err
		}
		return applyEnv(cmd.Flags())
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringSlice("env", []string{".env"}, "environment files to load; missing files are ignored")
	flags.String("log-level", "info", "log level: trace, debug, info, warn or error")
	flags.String("pager", "sw", "chip pager kind: sw or hw")
	flags.Uint32("page-size", 256, "page size in bytes")
	flags.Uint32("pages", 16, "to-chip pages")
	flags.Uint32("reserved", 2, "to-chip pages reserved for commands")
	flags.Uint32("rx-pages", 16, "from-chip pages")
	flags.Bool("checksum", true, "checksum pages written to the chip")
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// loadEnv loads environment files. Variables already present in the
// environment take precedence.
func loadEnv(files []string) error {
	for _, file := range files {
		err := godotenv.Load(file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return fmt.Errorf("loading %s: %w", file, err)
		}
	}
	return nil
}

// applyEnv sets every flag not given on the command line from its
// HALOWSIM_ environment variable.
func applyEnv(flags *pflag.FlagSet) (err error) {
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed {
			return
		}
		v, ok := os.LookupEnv(envName(f.Name))
		if !ok {
			return
		}
		if serr := f.Value.Set(v); serr != nil {
			err = fmt.Errorf("%s: %w", envName(f.Name), serr)
		}
	})
	return err
}

func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return levelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, errors.New("unknown log level " + s)
}

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	s, _ := cmd.Flags().GetString("log-level")
	level, err := parseLevel(s)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && a.Value.Any() == levelTrace {
				a.Value = slog.StringValue("TRACE")
			}
			return a
		},
	})), nil
}

func chipConfig(cmd *cobra.Command) (chipsim.Config, error) {
	cfg := chipsim.DefaultConfig()
	flags := cmd.Flags()
	kind, _ := flags.GetString("pager")
	switch kind {
	case "sw":
		cfg.PagerKind = wire.PagerSoftware
	case "hw":
		cfg.PagerKind = wire.PagerHardware
	default:
		return cfg, errors.New("unknown pager kind " + kind)
	}
	cfg.PageSize, _ = flags.GetUint32("page-size")
	cfg.ToChipPages, _ = flags.GetUint32("pages")
	cfg.ReservedPages, _ = flags.GetUint32("reserved")
	cfg.FromChipPages, _ = flags.GetUint32("rx-pages")
	if cfg.PageSize < 64 || cfg.PageSize%4 != 0 {
		return cfg, fmt.Errorf("page size %d must be a multiple of 4 and at least 64", cfg.PageSize)
	}
	if cfg.ReservedPages == 0 || cfg.ReservedPages > cfg.ToChipPages || cfg.FromChipPages == 0 {
		return cfg, errors.New("need at least one reserved page, no more reserved than total pages and at least one rx page")
	}
	return cfg, nil
}
