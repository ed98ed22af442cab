package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/apex/log"
	fm "github.com/blacktop/go-fmbridge"
	"github.com/spf13/cobra"
)

var errStreamCancelled = errors.New("stream cancelled")

// followSession starts a session with start and feeds its events to handle
// until the terminal event. Cancelling ctx cancels the session.
func followSession(ctx context.Context, m *fm.Module, start func() fm.StreamingSession, handle func(fm.Event)) error {
	events := make(chan fm.Event, 64)
	stop := make(chan struct{})
	defer close(stop)
	for _, name := range fm.Events {
		sub := m.AddListener(name, forward(events, stop))
		defer sub.Remove()
	}

	sess := start()
	if sess.Error != "" {
		return errors.New(sess.Error)
	}
	log.WithField("session", sess.SessionID).Debug("streaming")

	done := ctx.Done()
	for {
		select {
		case <-done:
			m.CancelStreamingSession(sess.SessionID)
			done = nil
		case ev := <-events:
			if ev.SessionID != sess.SessionID {
				continue
			}
			handle(ev)
			switch p := ev.Payload.(type) {
			case fm.StreamingError:
				return errors.New(p.Error)
			case fm.StreamingCancelled:
				return errStreamCancelled
			case fm.StreamingChunk:
				if p.IsComplete {
					return nil
				}
			case fm.StructuredStreamingChunk:
				if p.IsComplete {
					return nil
				}
			}
		}
	}
}

// forward returns a listener that hands events to the reader of events.
// Once stop is closed it drops them, so an emit racing with listener
// removal never blocks the session goroutine.
func forward(events chan<- fm.Event, stop <-chan struct{}) func(fm.Event) {
	return func(ev fm.Event) {
		select {
		case events <- ev:
		case <-stop:
		}
	}
}

// streamText prints the session's text as it grows and returns it.
func streamText(ctx context.Context, m *fm.Module, req fm.Request, ui *ChatUI) (string, error) {
	var printed string
	err := followSession(ctx, m, func() fm.StreamingSession {
		return m.StartStreamingSession(ctx, req)
	}, func(ev fm.Event) {
		c, ok := ev.Payload.(fm.StreamingChunk)
		if !ok || c.IsComplete {
			return
		}
		if printed == "" && c.Content != "" {
			ui.HideTypingIndicator()
		}
		// Chunks carry the cumulative content.
		if strings.HasPrefix(c.Content, printed) {
			fmt.Print(c.Content[len(printed):])
		} else {
			fmt.Print("\n" + c.Content)
		}
		printed = c.Content
	})
	ui.HideTypingIndicator()
	fmt.Println()
	return printed, err
}

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream [prompt]",
	Short: "Generate streaming text responses using Foundation Models",
	Long: `Generate streaming text responses using Foundation Models with real-time output.
Responses are delivered in chunks as they are generated. Press Ctrl-C to
cancel the session.`,
	Example: `  # Basic streaming response
  found stream "Write a short story about a robot"

  # Creative streaming with system instructions
  found stream --instructions "You are a poet" "Write a haiku about mountains"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := args[0]
		instructions, _ := cmd.Flags().GetString("instructions")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		m := newModule()
		defer closeModule(m)

		if err := requireAvailable(ctx, m); err != nil {
			return err
		}

		chatUI := NewChatUI()
		chatUI.PrintUserMessage(prompt)

		fmt.Printf("🚀 Streaming Response\n")
		chatUI.ShowTypingIndicator()

		startTime := time.Now()
		response, err := streamText(ctx, m, fm.Request{Prompt: prompt, Instructions: instructions}, chatUI)
		elapsed := time.Since(startTime)

		if errors.Is(err, errStreamCancelled) {
			fmt.Println("🛑 Cancelled")
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Printf("⏱️  Generated in %v\n", elapsed)
		if n := len(response); n > 0 {
			fmt.Printf("📈 Response: %d characters (%.1f chars/sec)\n", n, float64(n)/elapsed.Seconds())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(streamCmd)

	streamCmd.Flags().StringP("instructions", "i", "", "System instructions for the session")
}
