package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"agentcore/internal/adapter/tool"
	"agentcore/internal/domain"
	"agentcore/internal/usecase"
)

// runChat drives an interactive line-based chat on stdin. Each line becomes
// one generation; tool activity and text deltas are printed as they happen.
func runChat(
	ctx context.Context,
	engine *usecase.Engine,
	threads *usecase.ThreadService,
	registry *tool.Registry,
	log *slog.Logger,
) error {
	sess, err := newChatSession(ctx, threads, engine, registry)
	if err != nil {
		return err
	}

	fmt.Println("agentcore interactive chat. /new starts a fresh thread, /quit exits.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			sess, err = newChatSession(ctx, threads, engine, registry)
			if err != nil {
				return err
			}
			fmt.Printf("new thread %s\n", sess.ThreadID())
			continue
		}

		if err := chatTurn(ctx, sess, input); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("generation failed", "error", err)
			fmt.Printf("error: %v\n", err)
		}
	}
}

func newChatSession(
	ctx context.Context,
	threads *usecase.ThreadService,
	engine *usecase.Engine,
	registry *tool.Registry,
) (*usecase.Session, error) {
	thread, err := threads.CreateThread(ctx, domain.NewThread{})
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	sess, err := usecase.NewSession(ctx, thread.ID, threads, engine, registry.Schemas())
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return sess, nil
}

func chatTurn(ctx context.Context, sess *usecase.Session, input string) error {
	events, err := sess.Stream(ctx, input)
	if err != nil {
		return err
	}

	streamed := false
	for event := range events {
		switch event.Kind {
		case domain.KindTextDelta:
			streamed = true
			fmt.Print(event.Delta)
		case domain.KindToolCallStart:
			if event.Call != nil {
				fmt.Printf("[tool %s]\n", event.Call.Name)
			}
		case domain.KindToolCallComplete:
			if event.Result != nil && event.Result.IsError {
				fmt.Printf("[tool error: %s]\n", event.Result.Content)
			}
		case domain.KindGenerationComplete:
			// Non-streaming providers deliver the whole answer here.
			if !streamed && event.Final != nil {
				fmt.Print(event.Final.Content)
			}
			fmt.Println()
		case domain.KindError:
			return fmt.Errorf("%s", event.Err)
		}
	}
	return nil
}
