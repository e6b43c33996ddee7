// fwcleanup removes every firewall resource the sandbox controller owns.
// It is the emergency escape hatch: run it when the daemon is down and the
// xctf table has to go away regardless of what state the database is in.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xctf-platform/sandboxnet/internal/nft"
)

var (
	nftBin     string
	useSudo    bool
	nftTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "fwcleanup",
	Short: "Tear down the xctf firewall table",
	Long: `Deletes every sandbox firewall resource: both chains, the port-to-IP
verdict map, the static and sandbox port sets, and finally the inet xctf
table itself.

Each resource is removed independently, so a failure on one does not stop
the others. Resources that are already gone count as success. The command
exits non-zero only if the xctf table is still present afterwards.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.Flags().StringVar(&nftBin, "nft-bin", "nft", "Path to the nft binary")
	rootCmd.Flags().BoolVar(&useSudo, "sudo", true, "Invoke nft through sudo")
	rootCmd.Flags().DurationVar(&nftTimeout, "timeout", 10*time.Second, "Timeout per nft invocation")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	runner := nft.NewExecRunner(nftBin, useSudo, nftTimeout)
	rules := nft.NewRuleSetManager(runner, "")

	report := rules.TeardownAll(ctx)
	for _, outcome := range report.Outcomes {
		switch {
		case outcome.Error != "":
			fmt.Printf("  %s %s: FAILED: %s\n", outcome.Kind, outcome.Name, outcome.Error)
		case outcome.Removed:
			fmt.Printf("  %s %s: removed\n", outcome.Kind, outcome.Name)
		default:
			fmt.Printf("  %s %s: already absent\n", outcome.Kind, outcome.Name)
		}
	}
	fmt.Printf("Removed %d resource(s), %d failure(s)\n", report.RemovedCount(), len(report.Failures()))

	if rules.TablePresent(ctx) {
		return fmt.Errorf("table inet %s still present after teardown", nft.TableName)
	}
	fmt.Println("Firewall cleanup complete")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
