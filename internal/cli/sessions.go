package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/SchlenkR/ronboard/internal/config"
	"github.com/SchlenkR/ronboard/internal/session"
)

var sessionsFlags struct {
	dataDir string
	store   string
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted sessions",
	Long: `List the sessions recorded in the data directory without starting
any agent processes.`,
	Args: cobra.NoArgs,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsFlags.dataDir, "data-dir", "", "data directory (default ~/.ronboard)")
	sessionsCmd.Flags().StringVar(&sessionsFlags.store, "store", "", "history store: file or sqlite")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = config.ExpandHome(sessionsFlags.dataDir)
	}
	if cmd.Flags().Changed("store") {
		cfg.Store = sessionsFlags.store
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	return printSessions(cmd, sessions)
}

func printSessions(cmd *cobra.Command, sessions []session.Session) error {
	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(out, "No sessions.")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tMODE\tDIRECTORY\tLAST USED\tID")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			s.Number, s.Name, s.Mode, s.WorkingDirectory,
			s.LastUsedAt.Local().Format(time.DateTime), s.ID)
	}
	return tw.Flush()
}
