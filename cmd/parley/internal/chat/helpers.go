package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/tinyland-inc/parley/cmd/parley/internal"
	"github.com/tinyland-inc/parley/pkg/agent"
	"github.com/tinyland-inc/parley/pkg/logger"
	"github.com/tinyland-inc/parley/pkg/providers"
	"github.com/tinyland-inc/parley/pkg/results"
	"github.com/tinyland-inc/parley/pkg/session"
	"github.com/tinyland-inc/parley/pkg/tools"
)

// chatRoom is the synthetic room direct chat runs in.
const chatRoom = "cli:direct"

func chatCmd(message, agentID, model string, debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if model != "" {
		cfg.Agents.Defaults.Model = model
	}

	provider, err := providers.ForModel(cfg, cfg.Agents.Defaults.Model)
	if err != nil {
		return fmt.Errorf("error creating provider: %w", err)
	}

	toolReg, err := internal.BuildToolRegistry(cfg, nil)
	if err != nil {
		return err
	}
	runner := tools.NewRunner(toolReg, cfg.RoomPolicy)

	resReg := results.New(
		time.Duration(cfg.Results.TTLSeconds)*time.Second,
		time.Duration(cfg.Results.SweepSeconds)*time.Second,
		cfg.Results.MaxSetsPerRoom,
	)
	defer resReg.Close()

	sessions := session.NewManager(filepath.Join(cfg.WorkspacePath(), "sessions"))
	agents := agent.NewRegistry(cfg)
	loop := agent.NewLoop(provider, runner, resReg, sessions, cfg.Loop)

	var profile *agent.Profile
	if agentID != "" {
		p, ok := agents.Get(agentID)
		if !ok {
			return fmt.Errorf("unknown agent %q", agentID)
		}
		profile = p
	} else {
		p, ok := agents.Default()
		if !ok {
			return errors.New("no agents configured")
		}
		profile = p
	}
	if model != "" {
		profile.Model = model
	}

	ask := func(text string) {
		res, err := loop.Run(context.Background(), agent.Trigger{
			RoomID: chatRoom,
			ConnID: "cli",
			UserID: "you",
			Text:   text,
			Agent:  profile,
		})
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		if res.Text != "" {
			fmt.Printf("\n%s %s\n\n", internal.Logo, res.Text)
		}
	}

	if message != "" {
		ask(message)
		return nil
	}

	fmt.Printf("%s Chatting with %s (Ctrl+C to exit)\n\n", internal.Logo, profile.Name)
	interactiveMode(ask)
	return nil
}

func interactiveMode(ask func(string)) {
	prompt := fmt.Sprintf("%s You: ", internal.Logo)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".parley_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(ask)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}
		ask(input)
	}
}

func simpleInteractiveMode(ask func(string)) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("%s You: ", internal.Logo)
		if !scanner.Scan() {
			fmt.Println("\nGoodbye!")
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}
		ask(input)
	}
}
