package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/voyantlabs/concourse/internal/app"
)

func newTripCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trip",
		Short: "Run booking workflows",
	}

	cmd.AddCommand(newTripBookCmd())
	cmd.AddCommand(newTripSearchCmd())
	return cmd
}

func newTripBookCmd() *cobra.Command {
	var (
		configPath  string
		origin      string
		destination string
		date        string
		passengers  int
		totalAmount float64
		cardToken   string
		lastFour    string
		name        string
		email       string
		flightID    string
	)

	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book a complete trip (search, payment, booking)",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{
				"origin":         origin,
				"destination":    destination,
				"departure_date": date,
				"passengers":     passengers,
				"total_amount":   totalAmount,
				"payment_method": map[string]any{
					"type":      "card",
					"token":     cardToken,
					"last_four": lastFour,
				},
				"passenger_details": map[string]any{
					"name":  name,
					"email": email,
				},
			}
			if flightID != "" {
				params["selected_flight_id"] = flightID
			}
			return runWorkflow(cmd, configPath, "book_complete_trip", params)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Concourse config file")
	cmd.Flags().StringVar(&origin, "origin", "", "origin airport code (required)")
	cmd.Flags().StringVar(&destination, "destination", "", "destination airport code (required)")
	cmd.Flags().StringVar(&date, "date", "", "departure date YYYY-MM-DD (required)")
	cmd.Flags().IntVar(&passengers, "passengers", 1, "number of passengers")
	cmd.Flags().Float64Var(&totalAmount, "total-amount", 0, "total charge amount (required)")
	cmd.Flags().StringVar(&cardToken, "card-token", "", "tokenized payment method (required)")
	cmd.Flags().StringVar(&lastFour, "card-last-four", "", "card last four digits")
	cmd.Flags().StringVar(&name, "passenger-name", "", "lead passenger name")
	cmd.Flags().StringVar(&email, "email", "", "contact email")
	cmd.Flags().StringVar(&flightID, "flight-id", "", "book this flight instead of the cheapest offer")
	cmd.MarkFlagRequired("origin")
	cmd.MarkFlagRequired("destination")
	cmd.MarkFlagRequired("date")
	cmd.MarkFlagRequired("total-amount")
	cmd.MarkFlagRequired("card-token")
	return cmd
}

func newTripSearchCmd() *cobra.Command {
	var (
		configPath  string
		origin      string
		destination string
		date        string
		passengers  int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search flights (flight-only workflow)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, configPath, "book_flight_only", map[string]any{
				"origin":      origin,
				"destination": destination,
				"date":        date,
				"passengers":  passengers,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Concourse config file")
	cmd.Flags().StringVar(&origin, "origin", "", "origin airport code (required)")
	cmd.Flags().StringVar(&destination, "destination", "", "destination airport code (required)")
	cmd.Flags().StringVar(&date, "date", "", "departure date YYYY-MM-DD (required)")
	cmd.Flags().IntVar(&passengers, "passengers", 1, "number of passengers")
	cmd.MarkFlagRequired("origin")
	cmd.MarkFlagRequired("destination")
	cmd.MarkFlagRequired("date")
	return cmd
}

// runWorkflow spins up the full app in-process, executes one workflow, prints
// the aggregate result as JSON, and shuts down.
func runWorkflow(cmd *cobra.Command, configPath, workflowAction string, params map[string]any) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// One-shot run: the dashboard is not needed.
	cfg.Dashboard.Enabled = false

	application, err := app.New(cfg, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := application.Start(ctx); err != nil {
		return err
	}
	defer application.Stop()

	var result map[string]any
	switch workflowAction {
	case "book_complete_trip":
		result, err = application.Engine.BookCompleteTrip(ctx, params)
	case "book_flight_only":
		result, err = application.Engine.BookFlightOnly(ctx, params)
	default:
		return fmt.Errorf("unknown workflow action %q", workflowAction)
	}
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("render result: %w", err)
	}
	fmt.Fprintln(out, string(data))

	if success, _ := result["success"].(bool); !success {
		return fmt.Errorf("workflow failed: %v", result["error"])
	}
	return nil
}
