// ABOUTME: Interactive chat REPL that streams turns from a coven-threads server
// ABOUTME: Renders token deltas inline and a single in-place tool status line per turn

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/coven-threads/internal/client"
	"github.com/2389/coven-threads/internal/conversation"
	"github.com/2389/coven-threads/internal/gateway"
)

func runChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	server := clientFlags(fs)
	threadID := fs.String("thread", "", "Thread ID to continue (default: new thread)")
	events := fs.String("events", "all", "Event stream filter: all, tokens, tools")
	if err := fs.Parse(args); err != nil {
		return err
	}

	token := getToken()
	c := client.New(*server, token)
	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("server %s unreachable: %w", *server, err)
	}

	fmt.Printf("coven-threads chat connected to %s\n", *server)
	if token != "" {
		fmt.Println("Auth: token configured")
	} else {
		fmt.Println("Auth: none (set COVEN_TOKEN for authentication)")
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	s := &chatSession{client: c, thread: *threadID, events: *events, out: os.Stdout}
	if err := s.run(ctx, os.Stdin); err != nil {
		return err
	}
	fmt.Println("\nGoodbye!")
	return nil
}

type chatSession struct {
	client  *client.Client
	thread  string
	events  string
	out     io.Writer
	listing []string // last /threads output, for /switch N
}

func (s *chatSession) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)

	for {
		s.prompt()

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)
		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
				return
			}
			if err := scanner.Err(); err != nil {
				errCh <- err
				return
			}
			errCh <- io.EOF
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		quit, err := s.handle(ctx, input)
		if err != nil {
			fmt.Fprintf(s.out, "%s %v\n", color.RedString("[error]"), err)
		}
		if quit {
			return nil
		}
		fmt.Fprintln(s.out)
	}
}

func (s *chatSession) prompt() {
	if s.thread == "" {
		fmt.Fprint(s.out, "> ")
		return
	}
	fmt.Fprintf(s.out, "[%s]> ", shortID(s.thread))
}

// handle runs one line of input. It reports whether the session should end.
func (s *chatSession) handle(ctx context.Context, input string) (bool, error) {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/help":
		printHelp(s.out)
		return false, nil
	case "/new":
		id, err := s.client.CreateThread(ctx)
		if err != nil {
			return false, err
		}
		s.thread = id
		fmt.Fprintf(s.out, "Started thread %s\n", id)
		return false, nil
	case "/threads":
		return false, s.listThreads(ctx)
	case "/switch":
		return false, s.switchThread(arg)
	case "/history":
		return false, s.history(ctx)
	case "/tools":
		return false, s.tools(ctx)
	}

	if strings.HasPrefix(input, "/") && !strings.HasPrefix(input, "/tool ") {
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, s.send(ctx, input)
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  /new           Start a new thread")
	fmt.Fprintln(w, "  /threads       List threads")
	fmt.Fprintln(w, "  /switch <N|id> Continue an existing thread")
	fmt.Fprintln(w, "  /history       Show the current thread's history")
	fmt.Fprintln(w, "  /tools         List available tools")
	fmt.Fprintln(w, "  /help          Show this help")
	fmt.Fprintln(w, "  /quit          Exit")
}

func (s *chatSession) listThreads(ctx context.Context) error {
	ids, err := s.client.ListThreads(ctx)
	if err != nil {
		return err
	}
	s.listing = ids
	if len(ids) == 0 {
		fmt.Fprintln(s.out, "No threads yet. Send a message or /new.")
		return nil
	}
	for i, id := range ids {
		marker := " "
		if id == s.thread {
			marker = "*"
		}
		fmt.Fprintf(s.out, "%s %3d  %s\n", marker, i+1, id)
	}
	return nil
}

func (s *chatSession) switchThread(arg string) error {
	if arg == "" {
		return errors.New("usage: /switch <N|thread id>")
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(s.listing) {
			return fmt.Errorf("no thread #%d (run /threads first)", n)
		}
		s.thread = s.listing[n-1]
	} else {
		if _, err := uuid.Parse(arg); err != nil {
			return fmt.Errorf("invalid thread id %q", arg)
		}
		s.thread = arg
	}
	fmt.Fprintf(s.out, "Now using thread %s\n", s.thread)
	return nil
}

func (s *chatSession) history(ctx context.Context) error {
	if s.thread == "" {
		fmt.Fprintln(s.out, "No thread selected. Send a message or /new first.")
		return nil
	}
	msgs, err := s.client.History(ctx, s.thread, false)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintln(s.out, "(empty)")
		return nil
	}
	for _, m := range msgs {
		role := color.CyanString("you")
		if m.Role == "assistant" {
			role = color.GreenString("assistant")
		}
		fmt.Fprintf(s.out, "%s: %s\n", role, stripMarkdown(m.Content))
	}
	return nil
}

func (s *chatSession) tools(ctx context.Context) error {
	defs, err := s.client.Tools(ctx)
	if err != nil {
		return err
	}
	for _, d := range defs {
		fmt.Fprintf(s.out, "  %-14s %s\n", d.Name, truncate(d.Description, 60))
	}
	return nil
}

func (s *chatSession) send(ctx context.Context, content string) error {
	if s.thread == "" {
		id, err := s.client.CreateThread(ctx)
		if err != nil {
			return err
		}
		s.thread = id
	}

	r := &turnRenderer{out: s.out}
	_, err := s.client.SubmitTurn(ctx, s.thread, gateway.SubmitTurnRequest{
		Content: content,
		Events:  s.events,
	}, uuid.NewString(), r.render)
	r.finish()

	var turnErr *client.TurnError
	switch {
	case errors.As(err, &turnErr):
		return fmt.Errorf("%s: %s", turnErr.Code, turnErr.Message)
	case client.IsConflict(err):
		return errors.New("thread is busy with another turn")
	}
	return err
}

// turnRenderer prints a turn's events. Tool activity shares one status line
// that is rewritten in place; tokens resume on a fresh line after it.
type turnRenderer struct {
	out        io.Writer
	midLine    bool // text printed without a trailing newline
	statusLine bool // the cursor sits at the end of the status line
}

func (r *turnRenderer) render(ev client.Event) {
	if ev.Stream == nil {
		return
	}

	switch ev.Stream.Kind {
	case conversation.EventTokenDelta:
		if r.statusLine {
			fmt.Fprintln(r.out)
			r.statusLine = false
		}
		text := stripMarkdown(ev.Stream.Text)
		fmt.Fprint(r.out, text)
		if text != "" {
			r.midLine = !strings.HasSuffix(text, "\n")
		}
	case conversation.EventToolStarted, conversation.EventToolFinished:
		r.status(ev.Stream)
	case conversation.EventTurnComplete:
		if ev.Stream.Status != nil {
			r.status(ev.Stream)
		}
	}
}

func (r *turnRenderer) status(ev *conversation.StreamEvent) {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}

	label := "tool"
	state := conversation.StatusRunning
	if ev.Status != nil {
		label = ev.Status.Label
		state = ev.Status.State
	}

	// \r plus erase-line rewrites the status in place
	fmt.Fprint(r.out, "\r\033[K")
	switch {
	case ev.Tool != nil && ev.Tool.IsError:
		fmt.Fprint(r.out, color.RedString("✗ %s: %s", ev.Tool.Name, truncate(ev.Tool.Result, 80)))
	case state == conversation.StatusComplete:
		fmt.Fprint(r.out, color.GreenString("✓ %s", label))
	default:
		fmt.Fprint(r.out, color.YellowString("⚙ %s", label))
	}
	r.statusLine = true
}

func (r *turnRenderer) finish() {
	if r.midLine || r.statusLine {
		fmt.Fprintln(r.out)
	}
	r.midLine = false
	r.statusLine = false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// stripMarkdown removes bold markers; single * is left alone for lists.
func stripMarkdown(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	return strings.ReplaceAll(s, "__", "")
}
