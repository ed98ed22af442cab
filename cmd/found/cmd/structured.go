package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"

	fm "github.com/blacktop/go-fmbridge"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// structuredCmd represents the structured command
var structuredCmd = &cobra.Command{
	Use:   "structured [prompt]",
	Short: "Generate a JSON record of a fixed shape",
	Long: `Generate a userProfile, product or event record with Foundation Models.
The model is constrained to the schema and the result is validated before it
is printed. With --stream the fields are printed as they are committed.`,
	Example: `  found structured --schema product "A waterproof hiking backpack"
  found structured --schema event --stream "A Go meetup in Berlin next month"
  found structured --print-schema --schema userProfile`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		schemaType, _ := cmd.Flags().GetString("schema")
		instructions, _ := cmd.Flags().GetString("instructions")
		stream, _ := cmd.Flags().GetBool("stream")

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if printSchema, _ := cmd.Flags().GetBool("print-schema"); printSchema {
			schema, err := fm.LookupSchema(schemaType)
			if err != nil {
				return err
			}
			return enc.Encode(schema.JSONSchema())
		}
		if len(args) == 0 {
			return errors.New("a prompt is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		m := newModule()
		defer closeModule(m)

		if err := requireAvailable(ctx, m); err != nil {
			return err
		}

		req := fm.Request{Prompt: args[0], Instructions: instructions, SchemaType: schemaType}

		if stream {
			partial := color.New(color.Faint)
			err := followSession(ctx, m, func() fm.StreamingSession {
				return m.StartStructuredStreamingSession(ctx, req)
			}, func(ev fm.Event) {
				c, ok := ev.Payload.(fm.StructuredStreamingChunk)
				if !ok || c.IsComplete {
					return
				}
				b, err := json.Marshal(c.Data)
				if err != nil {
					return
				}
				if c.IsPartial {
					partial.Println(string(b))
				} else {
					fmt.Println(string(b))
				}
			})
			if errors.Is(err, errStreamCancelled) {
				fmt.Println("🛑 Cancelled")
				return nil
			}
			return err
		}

		chatUI := NewChatUI()
		chatUI.ShowTypingIndicator()
		resp := m.GenerateStructuredData(ctx, req)
		chatUI.HideTypingIndicator()

		if resp.Error != "" {
			return resp.Err()
		}
		if err := enc.Encode(resp.Data); err != nil {
			return err
		}
		chatUI.PrintMetadata(resp.Metadata)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(structuredCmd)

	structuredCmd.Flags().String("schema", fm.SchemaProduct, "Output type: userProfile, product or event")
	structuredCmd.Flags().StringP("instructions", "i", "", "System instructions for the session")
	structuredCmd.Flags().Bool("stream", false, "Print fields as they are generated")
	structuredCmd.Flags().Bool("print-schema", false, "Print the JSON Schema of --schema and exit")
}
