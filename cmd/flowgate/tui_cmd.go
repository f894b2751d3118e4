package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/fentz26/flowgate/internal/tui"
	"github.com/spf13/cobra"
)

var startServer bool

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive review console",
	RunE:  runTUI,
}

func init() {
	tuiCmd.Flags().StringVar(&reviewer, "reviewer", defaultReviewer(), "Reviewer name recorded with decisions")
	tuiCmd.Flags().BoolVar(&startServer, "start", false, "Start \"flowgate serve\" in the background if the API is down")
}

func runTUI(cmd *cobra.Command, args []string) error {
	if _, err := checkHealth(); err != nil {
		if !startServer {
			return fmt.Errorf("flowgate API not reachable at %s (use --start to launch it): %w", apiAddr, err)
		}
		fmt.Println("flowgate API not running. Starting background service...")
		if err := startBackgroundServer(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	app := tui.New(apiAddr, reviewer)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func startBackgroundServer() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	serveArgs := []string{"serve"}
	if configPath != "" {
		serveArgs = append(serveArgs, "--config", configPath)
	}
	cmd := exec.Command(exe, serveArgs...)
	// Detach so the server survives the console.
	configureDetachedProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	fmt.Print("   Waiting for API...")
	for i := 0; i < 20; i++ {
		if _, err := checkHealth(); err == nil {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("server started but API not reachable at %s", apiAddr)
}
