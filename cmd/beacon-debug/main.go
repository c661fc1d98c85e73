package main

import (
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"parkguide/go-proximity-server/internal/debugview"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		server   string
		deviceID string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "beacon-debug",
		Short: "Watch a device's beacon ranging live",
		Long: `beacon-debug polls the proximity server for the latest ranging batch of one
device and shows every beacon with its distance, the place it maps to and the
device's closest place. Press r to reset the closest place.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deviceID == "" {
				return fmt.Errorf("--device is required")
			}
			client := debugview.NewClient(server, 5*time.Second)
			model := debugview.NewModel(client, deviceID, interval)

			p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("run debug screen: %w", err)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&server, "server", "http://localhost:8080", "Proximity server base URL")
	flags.StringVar(&deviceID, "device", "local", "Device to watch")
	flags.DurationVar(&interval, "interval", time.Second, "Polling interval")

	return cmd
}
