package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/euaiact-search/internal/chat"
	"github.com/ashureev/euaiact-search/internal/config"
	"github.com/ashureev/euaiact-search/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the compliance agent in the terminal",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

func runChat(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadClient(cfgPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// The TUI owns the terminal, so logs go to a file.
	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	client := chat.NewClient(cfg.ServerURL, cfg.RequestTimeout, logger)
	bridge := tui.NewBridge()

	retries := cfg.VisionMaxRetries
	if retries == 0 {
		retries = chat.NoVisionRetries
	}
	visionCoordinator := chat.NewVisionCoordinator(client, chat.VisionConfig{
		MaxRetries: retries,
		RetryDelay: cfg.VisionRetryDelay,
		OnProgress: bridge.VisionProgress,
		Logger:     logger,
	})
	defer visionCoordinator.Clear()

	orchestrator := chat.NewOrchestrator(chat.OrchestratorConfig{
		Relay:     client,
		FollowUps: client,
		Vision:    visionCoordinator,
		OnUpdate:  bridge.SessionUpdated,
		Logger:    logger,
	})

	model := tui.New(tui.Options{
		Session:  chat.NewSession(),
		Turns:    orchestrator,
		Backend:  client,
		Vision:   visionCoordinator,
		Bridge:   bridge,
		Language: chat.Language(cfg.Language),
	})

	slog.Info("Chat client starting", "server", cfg.ServerURL, "language", cfg.Language)
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("run chat: %w", err)
	}
	return nil
}
