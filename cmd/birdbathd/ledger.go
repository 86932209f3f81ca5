package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/e7canasta/birdbath-sensor/internal/layout"
	"github.com/e7canasta/birdbath-sensor/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or clear the species ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every species seen, most sighted first",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger()
		if err != nil {
			return err
		}
		species := l.List()
		if len(species) == 0 {
			fmt.Println("No species recorded yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "SPECIES\tSCIENTIFIC NAME\tSIGHTINGS\tFIRST SEEN\tRARE")
		fmt.Fprintln(w, "-------\t---------------\t---------\t----------\t----")
		for _, sp := range species {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%v\n",
				sp.CommonName, sp.ScientificName, sp.SightingCount,
				sp.FirstSeen.Local().Format("2006-01-02 15:04"),
				sp.SightingCount < ledger.RareThreshold)
		}
		return w.Flush()
	},
}

var sightingsLimit int

var ledgerSightingsCmd = &cobra.Command{
	Use:   "sightings",
	Short: "Show the most recent sightings",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger()
		if err != nil {
			return err
		}
		return printJSON(l.Sightings(sightingsLimit))
	},
}

var confirmClear bool

var ledgerClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Wipe the ledger and the IdentifiedSpecies collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirmClear {
			return fmt.Errorf("refusing to clear the ledger without --yes")
		}
		l, err := openLedger()
		if err != nil {
			return err
		}
		if err := l.Clear(); err != nil {
			return err
		}
		collection := layout.New(cfg.Storage.SaveDir).Exempt()
		if err := os.RemoveAll(collection); err != nil {
			return fmt.Errorf("failed to clear species collection: %w", err)
		}
		fmt.Println("Species ledger cleared.")
		return nil
	},
}

func openLedger() (*ledger.Ledger, error) {
	l, err := ledger.Open(cfg.Identify.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open species ledger: %w", err)
	}
	return l, nil
}

func init() {
	ledgerSightingsCmd.Flags().IntVar(&sightingsLimit, "limit", 20, "Number of sightings")
	ledgerClearCmd.Flags().BoolVar(&confirmClear, "yes", false, "Confirm the wipe")

	ledgerCmd.AddCommand(ledgerListCmd, ledgerSightingsCmd, ledgerClearCmd)
	rootCmd.AddCommand(ledgerCmd)
}
