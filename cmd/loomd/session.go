package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/treetopdevs/loom/internal/contextwindow"
	"github.com/treetopdevs/loom/internal/session"
	"github.com/treetopdevs/loom/internal/store"
	"github.com/treetopdevs/loom/internal/tools"
	"github.com/treetopdevs/loom/internal/tools/builtin"
)

func newSessionCmd(cfgFile *string) *cobra.Command {
	var model, projectPath string

	cmd := &cobra.Command{
		Use:   "session",
		Short: "start an interactive solo coding session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), *cfgFile, model, projectPath)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model to use; defaults to [model].default from config")
	cmd.Flags().StringVar(&projectPath, "project", ".", "project root the session operates on")
	return cmd
}

func runSession(ctx context.Context, cfgFile, model, projectPath string) error {
	rt, err := newRuntime(cfgFile)
	if err != nil {
		return err
	}
	if model == "" {
		model = rt.cfg.Model.Default
	}

	sessionID := uuid.NewString()
	var sess *session.Session
	toolRegistry := tools.NewRegistry()
	builtin.New(builtin.Options{
		TeamID:    sessionID,
		AgentName: "solo",
		Store:     rt.store,
		Decisions: rt.decisions,
		Registry:  rt.registry,
		LLM:       rt.llm,
		Messages: func() []store.Message {
			if sess == nil {
				return nil
			}
			return sess.Messages()
		},
		SmartRetrieveModel: rt.cfg.Model.Weak,
	}, toolRegistry)

	sess, err = session.New(ctx, session.Options{
		ID:          sessionID,
		ProjectPath: projectPath,
		Model:       model,
		Tools:       toolRegistry,
		ContextOptions: contextwindow.Options{
			Model:          model,
			ReservedOutput: rt.cfg.Context.ReservedOutputTokens,
		},
		Store:       rt.store,
		Permissions: rt.perms,
		Bus:         rt.bus,
		LLM:         rt.llm,
		Logger:      rt.logger,
		Metrics:     rt.metrics,
		Tracer:      rt.tracer,
	})
	if err != nil {
		return fmt.Errorf("loomd: start session: %w", err)
	}

	fmt.Printf("session %s started (model=%s, project=%s)\n", sessionID, model, projectPath)
	return sessionREPL(ctx, sess)
}

// sessionREPL reads one prompt per line from stdin and prints the
// model's final answer, resolving any interactive permission request
// with allow_once before continuing (spec.md §4.11).
func sessionREPL(ctx context.Context, sess *session.Session) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			fmt.Print("> ")
			continue
		}

		out, err := sess.SendMessage(ctx, line)
		if err != nil {
			fmt.Println("error:", err)
			fmt.Print("> ")
			continue
		}
		for !out.Done {
			out, err = sess.PermissionResponse(ctx, out.RequestID, session.ActionAllowOnce, "")
			if err != nil {
				fmt.Println("error:", err)
				break
			}
		}
		fmt.Println(out.Text)
		fmt.Print("> ")
	}
	return scanner.Err()
}
