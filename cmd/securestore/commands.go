package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/haukened/securestore/internal/codec"
	"github.com/haukened/securestore/internal/config"
	"github.com/haukened/securestore/internal/domain"
	"github.com/haukened/securestore/internal/metrics"
	"github.com/haukened/securestore/internal/settings"
	"github.com/haukened/securestore/internal/store"
)

// Process exit codes.
const (
	exitGeneric   = 1
	exitUsage     = 2
	exitConfig    = 3
	exitBusy      = 4
	exitIntegrity = 5
)

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

// errIntegrity is returned when an audit finds damaged sections.
var errIntegrity = errors.New("integrity audit found problems")

type configError struct{ err error }

func (e configError) Error() string { return "configuration: " + e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ue usageError
	var ce configError
	switch {
	case errors.As(err, &ue):
		return exitUsage
	case errors.As(err, &ce):
		return exitConfig
	case errors.Is(err, domain.ErrStorageBusy):
		return exitBusy
	case errors.Is(err, errIntegrity):
		return exitIntegrity
	}
	return exitGeneric
}

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	out, errOut io.Writer
	json        bool
	// flag name -> bound value, applied only when the flag was set
	strs map[string]*string
}

// flagKeys maps persistent flag names to configuration keys.
var flagKeys = map[string]string{
	"data-dir":   "data_dir",
	"db-name":    "db_name",
	"driver":     "driver",
	"backup-dir": "backup_dir",
	"log-level":  "log_level",
	"log-format": "log_format",
}

func (g *globals) overrides(cmd *cobra.Command) map[string]any {
	out := make(map[string]any)
	for name, key := range flagKeys {
		if cmd.Flags().Changed(name) {
			out[key] = *g.strs[name]
		}
	}
	return out
}

// withEngine loads configuration, wires the engine, runs fn and flushes.
func (g *globals) withEngine(cmd *cobra.Command, fn func(ctx context.Context, rt *engine) error) error {
	cfg, err := config.LoadWithOverrides(g.overrides(cmd))
	if err != nil {
		return configError{err: err}
	}
	logger := newLogger(cfg, g.errOut)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.Background()); cerr != nil {
			logger.Error("close", "err", cerr)
		}
	}()
	return fn(ctx, rt)
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	g := &globals{out: out, errOut: errOut, strs: make(map[string]*string)}
	cmd := &cobra.Command{
		Use:           "securestore",
		Short:         "Encrypted, compressed, checksummed application data store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	pf := cmd.PersistentFlags()
	for _, f := range []struct{ name, usage string }{
		{"data-dir", "Directory holding the database (default ./data)"},
		{"db-name", "Database file name inside the data directory"},
		{"driver", "SQLite driver: sqlite3 (cgo) or sqlite (pure Go)"},
		{"backup-dir", "Backup directory, relative to the data directory unless absolute"},
		{"log-level", "Log level: debug, info, warn, error"},
		{"log-format", "Log format: text or json"},
	} {
		g.strs[f.name] = pf.String(f.name, "", f.usage)
	}
	pf.BoolVar(&g.json, "json", false, "Print results as JSON")

	cmd.AddCommand(
		newSaveCommand(g),
		newLoadCommand(g),
		newClearCommand(g),
		newBackupCommand(g),
		newSettingsCommand(g),
		newChangePasswordCommand(g),
		newIntegrityCommand(g),
		newStatsCommand(g),
		newEstimateCommand(g),
		newMetricsCommand(g),
		newServeCommand(g),
	)
	return cmd
}

func newSaveCommand(g *globals) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:     "save",
		Short:   "Save sections from a JSON object",
		Example: "  securestore save --file sections.json\n  echo '{\"theme_mode\":\"dark\"}' | securestore save",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				raw []byte
				err error
			)
			if file == "" || file == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			v, err := codec.Unmarshal(raw)
			if err != nil {
				return usageErrorf("input is not valid JSON: %v", err)
			}
			sections, ok := v.(map[string]any)
			if !ok {
				return usageErrorf("input must be a JSON object of sections")
			}
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				if err := rt.svc.SaveAppData(ctx, sections); err != nil {
					return err
				}
				if g.json {
					return printJSON(g.out, map[string]any{"saved": len(sections)})
				}
				_, err := fmt.Fprintf(g.out, "saved %d sections\n", len(sections))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file to read (default stdin)")
	return cmd
}

func newLoadCommand(g *globals) *cobra.Command {
	var section string
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Print every readable section as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				data, err := rt.svc.LoadAppData(ctx)
				if err != nil {
					return err
				}
				if section == "" {
					return printJSON(g.out, data)
				}
				v, ok := data[section]
				if !ok {
					return fmt.Errorf("section %q not found", section)
				}
				return printJSON(g.out, v)
			})
		},
	}
	cmd.Flags().StringVar(&section, "section", "", "Print only this section")
	return cmd
}

func newClearCommand(g *globals) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Overwrite every section with its empty value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return usageErrorf("clear is destructive; pass --yes to confirm")
			}
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				if err := rt.svc.ClearAllData(ctx); err != nil {
					return err
				}
				_, err := fmt.Fprintln(g.out, "all sections cleared")
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm clearing all data")
	return cmd
}

func newBackupCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Backup operations",
		Example: "  securestore backup create\n" +
			"  securestore backup restore backup_20240901_120000.bms",
	}
	cmd.AddCommand(
		newBackupCreateCommand(g),
		newBackupRestoreCommand(g),
		newBackupVerifyCommand(g),
		newBackupListCommand(g),
		newBackupPruneCommand(g),
	)
	return cmd
}

func newBackupCreateCommand(g *globals) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write a backup of every section",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				path, err := rt.svc.BackupDatabase(ctx, output)
				if err != nil {
					return err
				}
				if g.json {
					return printJSON(g.out, map[string]any{"file_path": path})
				}
				_, err = fmt.Fprintf(g.out, "backup created: %s\n", path)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Backup path (default: timestamped file in the backup directory)")
	return cmd
}

func newBackupRestoreCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <name-or-path>",
		Short: "Replace stored sections with those of a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				if err := rt.svc.RestoreDatabase(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(g.out, "backup restored: %s\n", args[0])
				return err
			})
		},
	}
}

func newBackupVerifyCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <name-or-path>",
		Short: "Decode a backup and validate its manifest without restoring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				info, err := rt.backups.Verify(args[0])
				if err != nil {
					return err
				}
				if g.json {
					return printJSON(g.out, info)
				}
				_, err = fmt.Fprintf(g.out, "ok: %s (id %s, version %s, %d sections, %s)\n",
					info.Path, info.ID, info.Version, info.Sections, humanize.Bytes(uint64(info.Size)))
				return err
			})
		},
	}
}

func newBackupListCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first, with totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				list, err := rt.backups.List()
				if err != nil {
					return err
				}
				stats, err := rt.backups.Statistics()
				if err != nil {
					return err
				}
				if g.json {
					return printJSON(g.out, map[string]any{"backups": list, "statistics": stats})
				}
				tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tCREATED\tSIZE")
				for _, b := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Name, humanize.Time(b.CreatedAt), humanize.Bytes(uint64(b.Size)))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				_, err = fmt.Fprintf(g.out, "%d backups, %s total\n", stats.TotalBackups, stats.TotalSizeHuman)
				return err
			})
		},
	}
}

func newBackupPruneCommand(g *globals) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete backups older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				retention := rt.cfg.BackupRetention
				if cmd.Flags().Changed("older-than") {
					if err := domain.ValidateRetention(olderThan); err != nil {
						return usageErrorf("--older-than: %v", err)
					}
					retention = olderThan
				}
				n, err := rt.backups.Prune(domain.RetentionCutoff(time.Now(), retention))
				if err != nil {
					return err
				}
				if g.json {
					return printJSON(g.out, map[string]any{"pruned": n})
				}
				_, err = fmt.Fprintf(g.out, "pruned %d backups older than %s\n", n, retention)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Override the configured retention (e.g. 168h)")
	return cmd
}

func newSettingsCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change security settings",
	}
	cmd.AddCommand(newSettingsShowCommand(g), newSettingsSetCommand(g))
	return cmd
}

func newSettingsShowCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active security settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				return printSettings(g, rt.svc.CurrentSecurityConfig())
			})
		},
	}
}

func printSettings(g *globals, cfg domain.SecurityConfig) error {
	if g.json {
		return printJSON(g.out, cfg)
	}
	_, err := fmt.Fprintf(g.out, "encryption=%t compression=%t checksums=%t compression_type=%s compression_level=%d\n",
		cfg.EncryptionEnabled, cfg.CompressionEnabled, cfg.ChecksumsEnabled, cfg.CompressionType, cfg.CompressionLevel)
	return err
}

func newSettingsSetCommand(g *globals) *cobra.Command {
	var (
		encryption, compression, checksums bool
		compressionType                    string
		level                              int
	)
	cmd := &cobra.Command{
		Use:     "set",
		Short:   "Change security settings and re-encode stored data",
		Example: "  securestore settings set --compression-type lzma --compression-level 9\n  securestore settings set --encryption=false",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var u settings.Update
			fl := cmd.Flags()
			if fl.Changed("encryption") {
				u.Encryption = settings.Ptr(encryption)
			}
			if fl.Changed("compression") {
				u.Compression = settings.Ptr(compression)
			}
			if fl.Changed("checksums") {
				u.Checksums = settings.Ptr(checksums)
			}
			if fl.Changed("compression-type") {
				ct, err := domain.ParseCompressionType(compressionType)
				if err != nil {
					return usageErrorf("--compression-type: %v", err)
				}
				u.CompressionType = &ct
			}
			if fl.Changed("compression-level") {
				if level < domain.MinCompressionLevel || level > domain.MaxCompressionLevel {
					return usageErrorf("--compression-level must be between %d and %d", domain.MinCompressionLevel, domain.MaxCompressionLevel)
				}
				u.CompressionLevel = settings.Ptr(level)
			}
			if u == (settings.Update{}) {
				return usageErrorf("settings set requires at least one setting flag")
			}
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				res, err := rt.svc.UpdateSecuritySettings(ctx, u)
				if err != nil {
					return err
				}
				if g.json {
					return printJSON(g.out, res)
				}
				if err := printSettings(g, res.Current); err != nil {
					return err
				}
				_, err = fmt.Fprintf(g.out, "re-encoded %d sections\n", res.Resaved)
				if err == nil && len(res.Orphaned) > 0 {
					_, err = fmt.Fprintf(g.out, "unreadable sections left as-is: %s\n", strings.Join(res.Orphaned, ", "))
				}
				return err
			})
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&encryption, "encryption", true, "Encrypt new writes")
	fl.BoolVar(&compression, "compression", true, "Compress new writes")
	fl.BoolVar(&checksums, "checksums", true, "Record section checksums")
	fl.StringVar(&compressionType, "compression-type", "", "gzip, bzip2, lzma, zlib or none")
	fl.IntVar(&level, "compression-level", domain.DefaultCompressionLevel, "Compression level 1-9")
	return cmd
}

func newChangePasswordCommand(g *globals) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "change-password",
		Short: "Re-encrypt every section under a new password",
		Long: "Re-encrypt every section under a new password. The new password is read from\n" +
			"--new-password or SECURESTORE_NEW_PASSWORD. Set SECURESTORE_PASSWORD to the new\n" +
			"value afterwards; existing backups still need the old password.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("SECURESTORE_NEW_PASSWORD")
			}
			if strings.TrimSpace(password) == "" {
				return usageErrorf("change-password requires --new-password or SECURESTORE_NEW_PASSWORD")
			}
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				if err := rt.svc.ChangePassword(ctx, password); err != nil {
					return err
				}
				_, err := fmt.Fprintln(g.out, "password changed")
				return err
			})
		},
	}
	cmd.Flags().StringVar(&password, "new-password", "", "New encryption password")
	return cmd
}

func newIntegrityCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "integrity",
		Short: "Check the cipher and audit every section against its checksum",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				cipherOK := rt.svc.VerifyEncryption()
				results, err := rt.svc.VerifyIntegrity(ctx)
				if err != nil {
					return err
				}
				problems := 0
				for _, r := range results {
					if r.Status == store.IntegrityMismatch || r.Status == store.IntegrityUndecodable {
						problems++
					}
				}
				if g.json {
					if err := printJSON(g.out, map[string]any{"encryption_ok": cipherOK, "sections": results}); err != nil {
						return err
					}
				} else {
					tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
					fmt.Fprintf(tw, "encryption\t%s\n", okString(cipherOK))
					for _, r := range results {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Section, r.Status, r.Attempt)
					}
					if err := tw.Flush(); err != nil {
						return err
					}
				}
				if !cipherOK || problems > 0 {
					return fmt.Errorf("%w: %d damaged sections", errIntegrity, problems)
				}
				return nil
			})
		},
	}
}

func okString(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAILED"
}

func newStatsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print storage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				st, err := rt.svc.StorageStats(ctx)
				if err != nil {
					return err
				}
				if g.json {
					return printJSON(g.out, st)
				}
				tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "database\t%s\t%s\n", rt.cfg.DBPath(), st.FileSizeHuman)
				fmt.Fprintf(tw, "records\t%s\n", humanize.Comma(int64(st.TotalRecords)))
				for _, table := range sortedKeys(st.TableCounts) {
					fmt.Fprintf(tw, "  %s\t%d\n", table, st.TableCounts[table])
				}
				if st.Disk != nil {
					fmt.Fprintf(tw, "disk free\t%s of %s (%.1f%% used)\n", st.DiskFreeHuman, humanize.Bytes(st.Disk.Total), st.Disk.UsedPercent)
				}
				if st.Backups != nil {
					fmt.Fprintf(tw, "backups\t%d (%s)\n", st.Backups.TotalBackups, st.Backups.TotalSizeHuman)
				}
				if st.LastPasswordChange != nil {
					fmt.Fprintf(tw, "password changed\t%s\n", humanize.Time(*st.LastPasswordChange))
				}
				return tw.Flush()
			})
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newEstimateCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "estimate",
		Short: "Estimate how well each algorithm compresses the stored data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				est, err := rt.svc.EstimateCompression(ctx)
				if err != nil {
					return err
				}
				if g.json {
					return printJSON(g.out, est)
				}
				tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "ALGORITHM\tSIZE\tRATIO\tSAVED\n")
				fmt.Fprintf(tw, "original\t%s\t\t\n", humanize.Bytes(uint64(est.OriginalSize)))
				for _, ct := range domain.CompressionTypes {
					r, ok := est.Results[ct]
					if !ok {
						continue
					}
					if r.Err != "" {
						fmt.Fprintf(tw, "%s\terror: %s\t\t\n", ct, r.Err)
						continue
					}
					fmt.Fprintf(tw, "%s\t%s\t%.3f\t%.1f%%\n", ct, humanize.Bytes(uint64(r.CompressedSize)), r.Ratio, r.SpaceSavedPercent)
				}
				return tw.Flush()
			})
		},
	}
}

func newMetricsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print persisted counters and summaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				snap, err := rt.metrics.Snapshot(ctx)
				if err != nil {
					return err
				}
				if g.json {
					return metrics.WriteJSON(g.out, snap)
				}
				return metrics.WriteText(g.out, snap)
			})
		},
	}
}

func newServeCommand(g *globals) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run backup retention and integrity audits in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, rt *engine) error {
				if once {
					rt.janitor.RunOnce(ctx)
					mv := rt.janitor.MetricsSnapshot()
					if g.json {
						return printJSON(g.out, mv)
					}
					_, err := fmt.Fprintf(g.out, "pruned %d backups, audited %d sections, %d problems\n", mv.Pruned, mv.Audited, mv.IntegrityProblems)
					return err
				}
				return rt.serve(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single maintenance cycle and exit")
	return cmd
}
