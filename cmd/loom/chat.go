package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/internal/agent"
)

func buildChatCmd() *cobra.Command {
	var (
		configPath   string
		conversation string
		debug        bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session against the configured provider.

While the agent is thinking, anything you type is injected into the
running turn instead of starting a new one. Commands:

  /stop       cancel the current turn
  /reset      start a new conversation
  /summarize  compress older history into a summary
  /quit       exit`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), configPath, conversation, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&conversation, "conversation", "", "Conversation id to resume (default: a new one)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runChat(ctx context.Context, configPath, conversation string, debug bool) error {
	rt, err := buildRuntime(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer rt.close()

	if conversation == "" {
		conversation = uuid.NewString()
	}

	if rt.scheduler != nil {
		rt.scheduler.Start(ctx)
		defer rt.scheduler.Wait()
	}

	rl, err := readline.New("> ")
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("loom %s (provider %s, conversation %s)\n", version, rt.cfg.Providers.Default, conversation)
	fmt.Println("Type a message, or /quit to exit.")

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if rt.manager.Stop(conversation) {
				fmt.Println("[stopped]")
				continue
			}
			return nil
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := handleCommand(ctx, rt, &conversation, line); quit {
				return nil
			}
			continue
		}

		// A live turn absorbs the input; otherwise start a new one.
		if rt.manager.Inject(conversation, line) {
			fmt.Println("[added to the current turn]")
			continue
		}

		exec, err := rt.manager.StartExecution(ctx, conversation, agent.ExecuteRequest{
			UserMessage:   line,
			SystemPrompt:  rt.cfg.Agent.SystemPrompt,
			MaxIterations: rt.cfg.Agent.MaxIterations,
			Temperature:   rt.cfg.Agent.Temperature,
			Context:       agent.Interactive(),
		})
		if err != nil {
			fmt.Println("Error:", err)
			continue
		}

		answer, err := exec.Wait()
		switch {
		case errors.Is(err, context.Canceled):
			// Stopped or superseded; the stop path already reported it.
		case err != nil:
			fmt.Println("Error:", err)
		default:
			fmt.Println(answer)
		}
	}
}

// handleCommand runs a slash command; it reports whether to exit.
func handleCommand(ctx context.Context, rt *runtime, conversation *string, line string) bool {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		rt.manager.Release(*conversation)
		return true

	case "/stop":
		if rt.manager.Stop(*conversation) {
			fmt.Println("[stopped]")
		} else {
			fmt.Println("Nothing is running.")
		}

	case "/reset":
		rt.manager.Release(*conversation)
		*conversation = uuid.NewString()
		fmt.Println("[new conversation]", *conversation)

	case "/summarize":
		status, err := rt.manager.ForceSummarize(ctx, *conversation, "")
		if err != nil {
			fmt.Println("Error:", err)
			break
		}
		fmt.Println(status)

	default:
		fmt.Println("Unknown command:", line)
	}
	return false
}
