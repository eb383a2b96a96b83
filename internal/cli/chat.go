package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ashureev/tutor-chat/internal/chat"
	"github.com/ashureev/tutor-chat/internal/domain"
	"github.com/spf13/cobra"
)

// suggestions are offered while the learner has not asked anything yet.
var suggestions = []string{
	"Explain this concept in simple terms",
	"Give me an example of this",
	"Create a practice problem for me",
}

func newChatCmd(g *globalFlags) *cobra.Command {
	var cc domain.CurriculumContext

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat for a curriculum",
		Long: `Start an interactive chat. Previous messages for the curriculum are
loaded first. Type a question and press enter; /quit leaves the chat.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := g.resolve(cmd)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), e, cc, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&cc.CurriculumID, "curriculum", "", "curriculum id (required)")
	f.StringVar(&cc.CurriculumTitle, "title", "", "curriculum title")
	f.StringVar(&cc.LearningGoal, "goal", "", "learning goal")
	f.StringVar(&cc.DifficultyLevel, "difficulty", "", "difficulty level")
	f.IntVar(&cc.DayNumber, "day", 0, "current day number")
	f.StringVar(&cc.DayTitle, "day-title", "", "current day title")
	_ = cmd.MarkFlagRequired("curriculum")
	return cmd
}

func runChat(ctx context.Context, e *env, cc domain.CurriculumContext, in io.Reader, out, errOut io.Writer) error {
	notifier := chat.NotifierFunc(func(_ context.Context, n chat.Notice) {
		fmt.Fprintf(errOut, "! %s: %s\n", n.Title, n.Detail)
	})
	transcript := chat.NewTranscript(cc)
	panel := chat.NewPanel(transcript, chat.PanelOptions{
		Opener:   e.opener(),
		History:  e.client,
		Store:    e.client,
		Notifier: notifier,
		Logger:   e.logger,
	})

	// History failures are already reported by the notifier; the chat still
	// works with an empty transcript.
	_ = panel.SetContext(ctx, cc)

	p := newPrinter(out)
	p.history(transcript.Snapshot())
	transcript.Subscribe(p.observe)

	scanner := bufio.NewScanner(in)
	for {
		offer := !hasUserMessage(transcript.Snapshot())
		if offer {
			printSuggestions(out)
		}
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		text := strings.TrimSpace(scanner.Text())
		switch text {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}
		if offer {
			text = pickSuggestion(text)
		}

		_, err := panel.Submit(ctx, text)
		p.finish()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			e.logger.Debug("chat submit failed", "error", err)
			if errors.Is(err, chat.ErrNoToken) {
				return err
			}
		}
	}
}

func hasUserMessage(snap chat.Snapshot) bool {
	for _, m := range snap.Messages {
		if m.IsUser() {
			return true
		}
	}
	return false
}

func printSuggestions(w io.Writer) {
	fmt.Fprintln(w, "Ask me anything about your lesson or try these:")
	for i, s := range suggestions {
		fmt.Fprintf(w, "  %d) %s\n", i+1, s)
	}
}

// pickSuggestion maps a suggestion number to its text.
func pickSuggestion(text string) string {
	n, err := strconv.Atoi(text)
	if err != nil || n < 1 || n > len(suggestions) {
		return text
	}
	return suggestions[n-1]
}
