package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"zbackup/internal/app"
	"zbackup/internal/backup"
	"zbackup/internal/config"
	"zbackup/internal/encryption"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(app.ExitCode(err))
	}
}

// readConfig reads the config from the default location.
func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Backup", "Purge").
func newApp(cmd *cobra.Command, operation string) (*app.App, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	noop, _ := cmd.Flags().GetBool("noop")
	vaultName, _ := cmd.Flags().GetString("vault")

	a, err := app.NewApp(cmd.Context(), cfg, operation, app.Options{Noop: noop, Vault: vaultName})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// closeApp closes a and reports a close failure unless err is already set.
func closeApp(a *app.App, err *error) {
	if cerr := a.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

// readPassphrase prompts for a passphrase on the terminal.
func readPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("a passphrase can only be read from a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	passphrase, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(passphrase), nil
}

var rootCmd = &cobra.Command{
	Use:           "zbackup",
	Short:         "ZFS snapshot replication and retention",
	SilenceUsage:  true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Get application defaults
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		prefix, _ := cmd.Flags().GetString("bookmark-prefix")
		if prefix == "" {
			prefix = defaults["bookmark_prefix"]
		}

		// Generate a new host ID
		hostID := uuid.New().String()

		// Create config with defaults
		cfg := config.NewConfig(hostID, defaults["base_dir"], prefix)

		// Initialize config file
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Printf("Bookmark Prefix: %s\n", prefix)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:         %s\n", cfg.HostID)
		fmt.Printf("Base Dir:        %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:         %s\n", cfg.LogDir)
		fmt.Printf("Bookmark Prefix: %s\n", cfg.BookmarkPrefix)
		fmt.Println()
		for _, target := range cfg.Targets {
			intervals, err := cfg.TargetIntervals(&target)
			if err != nil {
				return err
			}
			source := target.Source
			if source == "" {
				source = "(local snapshots)"
			}
			fmt.Printf("Target %s: %s <- %s\n", target.Name, target.Filesystem, source)
			for _, interval := range intervals {
				fmt.Printf("  %s\n", interval)
			}
		}
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate the archive encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return err
		}
		if enc == nil {
			return errors.New("encryption is disabled in the config")
		}

		passphrase, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if passphrase != confirm {
			return errors.New("passphrases do not match")
		}

		if err := enc.Setup(passphrase); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}

		if age, ok := enc.(*encryption.AgeEncryptor); ok {
			publicKey, err := age.PublicKey()
			if err != nil {
				return err
			}
			fmt.Printf("Public key: %s\n", publicKey)
		}
		fmt.Printf("Keys written to %s and %s\n", cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup [TARGET...]",
	Short: "Snapshot or replicate targets, then place holds and purge",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "Backup")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		results, err := a.Backup(cmd.Context(), args)
		for _, r := range results {
			printBackupResult(r.Target, r.Result)
		}
		return err
	},
}

func printBackupResult(target string, result *backup.BackupResult) {
	if result.Snapshot != nil {
		fmt.Printf("%s: %s, holds %v\n", target, result.Snapshot, result.Holds)
	} else {
		fmt.Printf("%s: no new snapshot\n", target)
	}
	if result.Purge != nil {
		printPurgeResult(target, result.Purge)
	}
}

func printPurgeResult(target string, result *backup.PurgeResult) {
	for _, hold := range result.Released {
		fmt.Printf("%s: released %s from %s\n", target, hold.Tag, hold.Snapshot)
	}
	for _, snapshot := range result.Destroyed {
		fmt.Printf("%s: destroyed %s\n", target, snapshot)
	}
	for _, hold := range result.Skipped {
		fmt.Printf("%s: skipped malformed hold %q on %s\n", target, hold.Tag, hold.Snapshot)
	}
}

// purge command
var purgeCmd = &cobra.Command{
	Use:   "purge [TARGET...]",
	Short: "Release expired holds and destroy unheld snapshots",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "Purge")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		results, err := a.Purge(cmd.Context(), args)
		for name, result := range results {
			printPurgeResult(name, result)
		}
		return err
	},
}

// snapshots command
var snapshotsCmd = &cobra.Command{
	Use:   "snapshots TARGET|FILESYSTEM",
	Short: "List snapshots with their holds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "Snapshots")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		snapshots, holds, err := a.Snapshots(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		app.WriteSnapshots(os.Stdout, snapshots, holds)
		return nil
	},
}

// holds command
var holdsCmd = &cobra.Command{
	Use:   "holds TARGET|FILESYSTEM",
	Short: "List hold tags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "Holds")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		holds, err := a.Holds(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		app.WriteHolds(os.Stdout, holds)
		return nil
	},
}

// ssh-command is installed as the forced command of an authorized_keys entry.
var sshCommandCmd = &cobra.Command{
	Use:   "ssh-command",
	Short: "Serve a restricted zfs send/receive from SSH_ORIGINAL_COMMAND",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		line := os.Getenv("SSH_ORIGINAL_COMMAND")
		if line == "" {
			return errors.New("SSH_ORIGINAL_COMMAND is not set")
		}

		cfg, err := readConfig()
		if err != nil {
			return err
		}
		req, err := app.AuthorizeCommand(cfg, line)
		if err != nil {
			return err
		}

		a, err := app.NewApp(cmd.Context(), cfg, "SSHCommand", app.Options{})
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer closeApp(a, &err)

		return a.ServeCommand(cmd.Context(), req, os.Stdin, os.Stdout)
	},
}

// archive command
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Store snapshot streams in a vault",
}

var archivePutCmd = &cobra.Command{
	Use:   "put TARGET|FILESYSTEM",
	Short: "Archive a snapshot stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		snapshot, _ := cmd.Flags().GetString("snapshot")
		base, _ := cmd.Flags().GetString("base")

		a, err := newApp(cmd, "Archive")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		archive, err := a.Archive(cmd.Context(), args[0], snapshot, base)
		if err != nil {
			return err
		}
		fmt.Printf("Archived %s@%s as %s (%d bytes)\n", archive.Filesystem, archive.Snapshot, archive.ID, archive.Size)
		return nil
	},
}

var archiveListCmd = &cobra.Command{
	Use:   "list [TARGET|FILESYSTEM]",
	Short: "List archived streams",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "ListArchives")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		archives, err := a.ListArchives(name)
		if err != nil {
			return err
		}
		if len(archives) == 0 {
			fmt.Println("No archives recorded.")
			return nil
		}
		app.WriteArchives(os.Stdout, archives)
		return nil
	},
}

var archiveRestoreCmd = &cobra.Command{
	Use:   "restore ID",
	Short: "Receive an archived stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		filesystem, _ := cmd.Flags().GetString("filesystem")
		force, _ := cmd.Flags().GetBool("force")
		identity, _ := cmd.Flags().GetString("identity")

		a, err := newApp(cmd, "Restore")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		archive, err := a.FindArchive(args[0])
		if err != nil {
			return err
		}
		if archive == nil {
			return fmt.Errorf("archive not found: %s", args[0])
		}

		var dc backup.DecryptionContext
		if archive.Encrypted {
			dc, err = unlock(a, identity)
			if err != nil {
				return err
			}
		}

		if err := a.RestoreArchive(cmd.Context(), archive.ID, dc, filesystem, force); err != nil {
			return err
		}
		fmt.Printf("Restored %s@%s\n", archive.Filesystem, archive.Snapshot)
		return nil
	},
}

// unlock returns a decryption context from an age identity file, or from
// the configured key unlocked with a passphrase.
func unlock(a *app.App, identity string) (backup.DecryptionContext, error) {
	if identity != "" {
		f, err := os.Open(identity)
		if err != nil {
			return nil, fmt.Errorf("opening identity: %w", err)
		}
		defer f.Close()
		return encryption.NewIdentityDecryptionContext(f)
	}

	passphrase, err := readPassphrase("Passphrase: ")
	if err != nil {
		return nil, err
	}
	return a.Unlock(passphrase)
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history [TARGET]",
	Short: "View operation history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		limit, _ := cmd.Flags().GetInt("limit")
		transfers, _ := cmd.Flags().GetBool("transfers")

		a, err := newApp(cmd, "GetHistory")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		if transfers || len(args) > 0 {
			target := ""
			if len(args) > 0 {
				target = args[0]
			}
			records, err := a.GetTransfers(target, limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No transfers recorded.")
				return nil
			}
			app.WriteTransfers(os.Stdout, records)
			return nil
		}

		ops, err := a.GetHistory(limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}
		app.WriteOperations(os.Stdout, ops)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("bookmark-prefix", "", "Bookmark chain prefix (default: short host name)")
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configKeysCmd)

	// archive subcommands
	archiveCmd.AddCommand(archivePutCmd)
	archivePutCmd.Flags().String("snapshot", "", "Snapshot to archive (default: most recent)")
	archivePutCmd.Flags().String("base", "", "Incremental base snapshot or #bookmark")
	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveRestoreCmd)
	archiveRestoreCmd.Flags().String("filesystem", "", "Receive into this filesystem (default: the archived one)")
	archiveRestoreCmd.Flags().BoolP("force", "F", false, "Force a rollback of the destination")
	archiveRestoreCmd.Flags().StringP("identity", "i", "", "Decrypt with this age identity file instead of the configured key")
	archiveCmd.PersistentFlags().String("vault", "", "Vault name (default: the first configured vault)")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().BoolP("noop", "n", false, "Simulate without changing anything")
	rootCmd.AddCommand(purgeCmd)
	purgeCmd.Flags().BoolP("noop", "n", false, "Simulate without changing anything")
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(holdsCmd)
	rootCmd.AddCommand(sshCommandCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of entries to show")
	historyCmd.Flags().BoolP("transfers", "t", false, "Show transfers instead of operations (implied by TARGET)")
}
