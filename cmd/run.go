package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/grovetools/preview/logging"
	"github.com/grovetools/preview/pkg/fsstore"
	"github.com/grovetools/preview/pkg/models"
	"github.com/grovetools/preview/pkg/session"
	"github.com/spf13/cobra"
)

const runHelp = `Commands:
  <prompt>              send a generation request
  :status               show the backend status
  :build [args...]      run the production build
  :export <file.zip>    write the project as a zip archive
  :answer <id> <value>  answer a pending question
  :submit               submit the answers
  :skip                 cancel the pending question
  :quit                 exit
`

// NewRunCmd returns the interactive session command.
func NewRunCmd() *cobra.Command {
	var flags projectFlags
	cmd := &cobra.Command{
		Use:   "run [project-id]",
		Short: "Open a project and iterate on it with generation requests",
		Long: `Loads a project into the preview backend and reads prompts from stdin.
Generated files stream into the running preview as they are written.
Ctrl-C aborts the running turn; a second Ctrl-C exits.

` + runHelp,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			s, logger, err := openSession(ctx, cmd, args, flags)
			if err != nil {
				return err
			}
			defer func() {
				if err := s.Close(context.Background()); err != nil {
					logger.WithError(err).Warn("Session close failed")
				}
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sig)
			go func() {
				for range sig {
					if !s.Abort() {
						cancel()
						return
					}
				}
			}()

			out := cmd.OutOrStdout()
			if url := s.Status().URL; url != "" {
				logging.NewPrettyLogger().WithWriter(out).Field("Preview", url)
			}
			printTurn(s, models.TurnSummary{}, out)
			return runLoop(ctx, s, cmd.InOrStdin(), out)
		},
	}
	flags.register(cmd)
	return cmd
}

// questionPoll is how often the loop checks for a question the provider
// asked mid-turn.
const questionPoll = 100 * time.Millisecond

// runLoop reads one command or prompt per line until EOF, :quit or ctx is
// done. Prompts run in the background so questions can be answered while
// the turn waits on them.
func runLoop(ctx context.Context, s *session.Session, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	r := &repl{s: s, out: &syncWriter{w: out}}
	defer func() {
		s.Abort()
		cancel()
		r.turns.Wait()
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(questionPoll)
	defer ticker.Stop()

	fmt.Fprint(r.out, "> ")
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.showQuestion()
			continue
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == ":quit" || line == ":q" {
			return nil
		}
		if line != "" {
			if err := r.runLine(ctx, line); err != nil {
				logging.NewPrettyLogger().WithWriter(r.out).ErrorPretty("error", err)
			}
		}
		fmt.Fprint(r.out, "> ")
	}
}

// repl tracks the background turn of one runLoop.
type repl struct {
	s     *session.Session
	out   io.Writer
	turns sync.WaitGroup

	mu      sync.Mutex
	running bool
	asked   string
}

func (r *repl) runLine(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, ":") {
		return r.generate(ctx, line)
	}

	s, out := r.s, r.out
	fields := strings.Fields(line)
	switch fields[0] {
	case ":help":
		fmt.Fprint(out, runHelp)
	case ":status":
		return printJSON(out, s.Status())
	case ":build":
		code, err := s.Build(ctx, fields[1:])
		if err != nil {
			return err
		}
		logging.NewPrettyLogger().WithWriter(out).Success(fmt.Sprintf("build finished (exit %d)", code))
	case ":export":
		if len(fields) != 2 {
			return fmt.Errorf("usage: :export <file.zip>")
		}
		f, err := os.Create(fields[1])
		if err != nil {
			return err
		}
		if err := s.Export(f, fsstore.DefaultExportIgnore); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		logging.NewPrettyLogger().WithWriter(out).Success("wrote " + fields[1])
	case ":answer":
		if len(fields) < 3 {
			return fmt.Errorf("usage: :answer <id> <value>")
		}
		return s.Consumer().SetAnswer(fields[1], strings.Join(fields[2:], " "))
	case ":submit":
		return s.Consumer().SubmitQuestionAnswers(ctx)
	case ":skip":
		return s.Consumer().CancelQuestion(ctx)
	default:
		return fmt.Errorf("unknown command %s (try :help)", fields[0])
	}
	return nil
}

// generate starts a turn for prompt in the background. Only one turn runs
// at a time.
func (r *repl) generate(ctx context.Context, prompt string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("a turn is still running (Ctrl-C aborts it)")
	}
	r.running = true

	r.turns.Add(1)
	go func() {
		defer r.turns.Done()
		summary, err := r.s.Generate(ctx, prompt, models.GenerateOptions{})

		r.mu.Lock()
		r.running = false
		r.mu.Unlock()

		fmt.Fprintln(r.out)
		printTurn(r.s, summary, r.out)
		if err != nil {
			logging.NewPrettyLogger().WithWriter(r.out).ErrorPretty("error", err)
		}
		r.showQuestion()
		fmt.Fprint(r.out, "> ")
	}()
	return nil
}

// showQuestion prints the pending question once per request.
func (r *repl) showQuestion() {
	pq, ok := r.s.Consumer().PendingQuestion()

	r.mu.Lock()
	if !ok {
		r.asked = ""
		r.mu.Unlock()
		return
	}
	if pq.RequestID == r.asked {
		r.mu.Unlock()
		return
	}
	r.asked = pq.RequestID
	r.mu.Unlock()

	pretty := logging.NewPrettyLogger().WithWriter(r.out)
	fmt.Fprintln(r.out)
	for _, q := range pq.Questions {
		text := fmt.Sprintf("%s (%s)", q.Text, q.ID)
		if len(q.Options) > 0 {
			text += fmt.Sprintf(" [%s]", strings.Join(q.Options, ", "))
		}
		pretty.WarnPretty(text)
	}
	fmt.Fprint(r.out, "answer with :answer <id> <value>, then :submit\n> ")
}

// printTurn prints the latest assistant message, any system errors after
// it and the files the turn touched.
func printTurn(s *session.Session, summary models.TurnSummary, out io.Writer) {
	pretty := logging.NewPrettyLogger().WithWriter(out)
	transcript := s.Consumer().Transcript()
	last := -1
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == models.MessageRoleAssistant {
			last = i
			break
		}
	}
	if last >= 0 && transcript[last].Content != "" {
		pretty.InfoPretty(transcript[last].Content)
	}
	for _, msg := range transcript[last+1:] {
		if msg.Role == models.MessageRoleSystem && msg.Error {
			pretty.ErrorPretty(msg.Content, nil)
		}
	}
	if len(summary.TouchedPaths) > 0 {
		pretty.Code(strings.Join(summary.TouchedPaths, "\n"))
	}
	if summary.Outcome != "" {
		pretty.Field(summary.Outcome, fmt.Sprintf("%d in / %d out tokens", summary.Usage.InputTokens, summary.Usage.OutputTokens))
	}
}

// syncWriter serializes writes from the input loop and the running turn.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
