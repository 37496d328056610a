package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	locksOwner string
	locksLimit int
)

// locksCmd inspects file reservations
var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and clean up file reservations",
	Long: `Agents reserve files through the store before editing them so two
agents never touch the same path at once. These commands show who holds
what and purge leases that have expired.`,
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active file locks",
	Args:  noArgs,
	RunE:  runLocksList,
}

var locksCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge expired file locks",
	Args:  noArgs,
	RunE:  runLocksCleanup,
}

func init() {
	locksListCmd.Flags().StringVar(&locksOwner, "owner", "", "Only locks held by this agent")
	locksListCmd.Flags().IntVar(&locksLimit, "limit", 100, "Max locks to list")
}

func runLocksList(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	locks, err := svc.store.ListLocks(locksOwner, locksLimit)
	if err != nil {
		return err
	}
	if len(locks) == 0 {
		fmt.Println("No active locks")
		return nil
	}

	for _, l := range locks {
		expiry := "no expiry"
		if l.ExpiresAt > 0 {
			expiry = "expires " + time.UnixMilli(l.ExpiresAt).Format(time.RFC3339)
		}
		fmt.Printf("%-40s %-16s %s\n", l.Path, l.Owner, expiry)
		if l.Reason != "" {
			fmt.Printf("    %s\n", l.Reason)
		}
	}
	fmt.Printf("\n%d lock(s)\n", len(locks))
	return nil
}

func runLocksCleanup(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	n, err := svc.store.CleanupExpiredLocks()
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d expired lock(s)\n", n)
	return nil
}
