package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"

	fm "github.com/blacktop/go-fmbridge"
	"github.com/spf13/cobra"
)

var (
	systemInstructions string
	jsonOutput         bool
	temperature        float32
	maxTokens          int
	streamOutput       bool
)

// questCmd represents the quest command
var questCmd = &cobra.Command{
	Use:   "quest [prompt]",
	Short: "Ask Foundation Models Questions",
	Long: `Chat with Foundation Models using natural language prompts.
Supports system instructions, generation options and streaming output.`,
	Example: `  # Basic chat
  found quest "Tell me about machine learning"

  # With system instructions
  found quest --system "You are a helpful coding assistant" "Explain Go interfaces"

  # Control creativity with temperature
  found quest --temp 0.0 "What is 2+2?" # Deterministic
  found quest --temp 1.0 "Write a creative story" # Very creative

  # Print the raw response object
  found quest --json "What is Docker?"

  # Real-time streaming output
  found quest --stream "Write a short story about robots"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := args[0]

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		m := newModule()
		defer closeModule(m)

		if err := requireAvailable(ctx, m); err != nil {
			return err
		}

		req := fm.Request{Prompt: prompt, Instructions: systemInstructions}
		if cmd.Flags().Changed("temp") || cmd.Flags().Changed("max-tokens") {
			req.Options = &fm.GenerationOptions{}
			if cmd.Flags().Changed("temp") {
				req.Options.Temperature = &temperature
			}
			if cmd.Flags().Changed("max-tokens") {
				req.Options.MaxTokens = &maxTokens
			}
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(m.GenerateText(ctx, req))
		}

		if systemInstructions != "" {
			fmt.Printf("System Instructions: %s\n", systemInstructions)
		}
		if req.Options != nil && req.Options.Temperature != nil {
			fmt.Printf("Temperature: %.2f\n", temperature)
		}

		chatUI := NewChatUI()
		chatUI.PrintUserMessage(prompt)

		if streamOutput {
			fmt.Println("Mode: Real-time streaming")
			chatUI.ShowTypingIndicator()
			_, err := streamText(ctx, m, req, chatUI)
			if errors.Is(err, errStreamCancelled) {
				fmt.Println("🛑 Cancelled")
				return nil
			}
			return err
		}

		chatUI.ShowTypingIndicator()
		resp := m.GenerateText(ctx, req)
		chatUI.HideTypingIndicator()

		if resp.Error != "" {
			chatUI.PrintError(resp.Error)
			return resp.Err()
		}
		chatUI.PrintAssistantMessage(resp.Content)
		chatUI.PrintMetadata(resp.Metadata)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(questCmd)

	questCmd.Flags().StringVarP(&systemInstructions, "system", "s", "", "System instructions for the model")
	questCmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Print the response object as JSON")
	questCmd.Flags().Float32VarP(&temperature, "temp", "t", 0, "Temperature for generation (0.0=deterministic, 1.0=creative)")
	questCmd.Flags().IntVarP(&maxTokens, "max-tokens", "m", 0, "Maximum number of tokens to generate")
	questCmd.Flags().BoolVarP(&streamOutput, "stream", "", false, "Show real-time streaming output")
}
