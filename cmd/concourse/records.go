package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/voyantlabs/concourse/internal/store"
)

// recordListLimit caps CLI listings.
const recordListLimit = 50

func newPaymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "Payment record commands",
	}
	cmd.AddCommand(newPaymentsListCmd())
	return cmd
}

func newPaymentsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded payments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPaymentsList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Concourse config file")
	return cmd
}

func runPaymentsList(cmd *cobra.Command, configPath string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	payments, err := store.ListPayments(gormDB, recordListLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(payments) == 0 {
		fmt.Fprintln(out, "No payments found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBOOKING\tAMOUNT\tSTATUS\tTRANSACTION\tCREATED")
	for _, p := range payments {
		fmt.Fprintf(w, "%s\t%s\t%.2f %s\t%s\t%s\t%s\n",
			truncate(p.ID, 12), p.BookingID, p.Amount, p.Currency,
			p.Status, p.TransactionID, p.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func newBookingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bookings",
		Short: "Booking record commands",
	}
	cmd.AddCommand(newBookingsListCmd())
	return cmd
}

func newBookingsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flight bookings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBookingsList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Concourse config file")
	return cmd
}

func runBookingsList(cmd *cobra.Command, configPath string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	bookings, err := store.ListBookings(gormDB, recordListLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(bookings) == 0 {
		fmt.Fprintln(out, "No bookings found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REFERENCE\tFLIGHT\tSTATUS\tWORKFLOW\tCREATED")
	for _, b := range bookings {
		workflow := b.WorkflowID
		if workflow == "" {
			workflow = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			b.Reference, b.FlightID, b.Status, truncate(workflow, 12),
			b.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}
