package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/ensemble/internal/commands"
	"github.com/haasonsaas/ensemble/internal/engine"
	"github.com/haasonsaas/ensemble/pkg/models"
)

func buildChatCmd() *cobra.Command {
	var flags sessionFlags
	var console bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Start an interactive conversation with the configured agents.

Slash commands (/model, /agent, /jump, ...) control the session; everything
else is sent to the active agent. Type "exit" or "quit" to leave.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), flags, console)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&console, "console", false,
		"Plain console mode: no prompt decoration, suitable for piping")
	return cmd
}

// repl owns the interactive loop state shared with the event renderer.
type repl struct {
	session *session

	mu        sync.Mutex
	pending   []models.Part
	lastReply strings.Builder
	replyDone string
}

func runChat(ctx context.Context, flags sessionFlags, console bool) error {
	s, err := newSession(ctx, flags)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	r := &repl{session: s}

	registry := commands.NewRegistry(s.logger)
	if err := commands.RegisterBuiltins(registry, commands.Deps{
		Engine:      s.engine,
		Manager:     s.manager,
		Catalog:     s.catalog,
		Store:       s.store,
		Attach:      r.attach,
		LastReply:   r.last,
		ToggleDebug: s.toggleDebug,
	}); err != nil {
		return err
	}

	interactive := !console && term.IsTerminal(int(os.Stdin.Fd()))

	// First Ctrl-C cancels the in-flight turn; at the prompt it exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if s.engine.State() == engine.StateIdle {
				fmt.Println()
				os.Exit(exitOK)
			}
			s.engine.Cancel()
		}
	}()

	go r.render()

	model := s.currentModel()
	fmt.Printf("ensemble %s | provider %s | model %s | agent %s\n",
		version, s.providerName, model.ID, s.manager.Active().Name)
	if interactive {
		fmt.Println(`type a message, a /command, or "exit"`)
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		if interactive {
			fmt.Printf("%s> ", s.manager.Active().Name)
		}
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		if inv, ok := commands.Parse(line); ok {
			res, err := registry.Execute(ctx, inv)
			if err != nil {
				fmt.Printf("command failed: %v\n", err)
				continue
			}
			if res.Text != "" {
				fmt.Println(res.Text)
			}
			if res.Quit {
				return nil
			}
			continue
		}

		if err := s.engine.Submit(ctx, line, r.takePending()); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func (r *repl) attach(p models.Part) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, p)
}

func (r *repl) takePending() []models.Part {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending
	r.pending = nil
	return out
}

func (r *repl) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replyDone
}

// render prints engine events as they arrive: assistant text verbatim,
// thinking dimmed behind a marker, notices and tool results as status lines.
func (r *repl) render() {
	inThinking := false
	for ev := range r.session.engine.Events() {
		switch ev.Kind {
		case engine.KindStream:
			switch ev.Stream.Type {
			case models.EventTextDelta:
				if inThinking {
					fmt.Print("\n")
					inThinking = false
				}
				fmt.Print(ev.Stream.Text)
				r.mu.Lock()
				r.lastReply.WriteString(ev.Stream.Text)
				r.mu.Unlock()
			case models.EventThinkingDelta:
				if !inThinking {
					fmt.Print("[thinking] ")
					inThinking = true
				}
				fmt.Print(ev.Stream.Text)
			}
		case engine.KindNotice:
			fmt.Printf("\n* %s\n", ev.Notice)
		case engine.KindToolResult:
			r.session.logger.Debug("tool result", "tool", ev.Tool, "result", ev.Result)
		case engine.KindError:
			fmt.Printf("\n! %v\n", ev.Err)
		case engine.KindTurnEnd:
			inThinking = false
			r.mu.Lock()
			r.replyDone = r.lastReply.String()
			r.lastReply.Reset()
			r.mu.Unlock()
			usage := r.session.engine.Usage()
			r.session.logger.Debug("turn complete", "agent", ev.Agent,
				"input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens,
				"cost_usd", usage.Cost)
			fmt.Println()
		}
	}
}
