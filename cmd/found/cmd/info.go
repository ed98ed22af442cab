package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	fm "github.com/blacktop/go-fmbridge"
	"github.com/spf13/cobra"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Display Foundation Models availability and information",
	Long: `Display information about Foundation Models availability on this device,
including model status, capabilities, and system requirements.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := newModule()
		defer closeModule(m)

		availability := m.CheckAvailability(cmd.Context())

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(availability)
		}

		fmt.Println("=== Foundation Models Information ===")
		fmt.Printf("Model Availability: ")
		switch {
		case availability.IsAvailable:
			fmt.Println("✅ Available")
		case !availability.DeviceSupported:
			fmt.Println("❌ Device not supported")
		default:
			fmt.Println("⏳ Not available")
		}
		if availability.Reason != nil {
			fmt.Printf("Reason: %s\n", *availability.Reason)
		}
		fmt.Printf("OS Version: %s\n", availability.OSVersion)
		if availability.FrameworkVersion != nil {
			fmt.Printf("Framework Version: %s\n", *availability.FrameworkVersion)
		}

		// Get detailed model info
		fmt.Println("\n=== Model Details ===")
		fmt.Println(m.ModelInfo())
		fmt.Printf("Structured types: %v\n", fm.SchemaTypes())

		// System requirements
		fmt.Println("\n=== System Requirements ===")
		fmt.Println("• macOS 26 Tahoe or later")
		fmt.Println("• Apple Intelligence enabled")
		fmt.Println("• Compatible Apple Silicon device")
		fmt.Printf("• Context window: %d tokens\n", fm.MaxContextSize)

		if !availability.IsAvailable {
			fmt.Println("\n⚠️  Foundation Models is not available on this device.")
			fmt.Println("Please check your macOS version and Apple Intelligence settings.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().BoolP("json", "j", false, "Print availability as JSON")
}
