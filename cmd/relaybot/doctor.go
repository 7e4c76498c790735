package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/history"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your relaybot installation",
		Long: `Verifies that the configuration, backends, history store, server
address and log file are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("relaybot doctor v%s\n\n", version)

			var passed, failed, warned int
			pass := func(check, detail string) { printPass(check, detail); passed++ }
			fail := func(check, detail string) { printFail(check, detail); failed++ }
			warn := func(check, detail string) { printWarn(check, detail); warned++ }

			if _, err := os.Stat(cfgPath); err != nil {
				fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'relaybot init' to create a default configuration.\n")
				return nil
			}
			pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("%d check(s) failed", failed)
			}
			pass("Config validation", "valid")

			if err := checkHistory(cfg.History.DSN); err != nil {
				fail("History store", err.Error())
			} else {
				pass("History store", cfg.History.DSN)
			}

			backends := map[string]bool{
				"gpt":       cfg.Providers.OpenAI.APIKey != "",
				"assistant": cfg.Providers.Assistant.APIKey != "" && cfg.Providers.Assistant.AssistantID != "",
				"dify":      cfg.Providers.Dify.APIKey != "",
				"gemini":    cfg.Providers.Gemini.APIKey != "",
			}
			configured := 0
			for _, name := range []string{"gpt", "assistant", "dify", "gemini"} {
				if backends[name] {
					configured++
					pass("Backend: "+name, "configured")
				}
			}
			mode, _ := domain.ParseMode(cfg.General.Mode)
			switch {
			case configured == 0:
				fail("Backends", "no backend has credentials")
			case !backends[string(mode)]:
				warn("Default mode", fmt.Sprintf("%s has no credentials; switch with -mode", cfg.General.Mode))
			}

			if cfg.Speech.VoiceReplies != "never" && (cfg.Speech.TTSProvider == "" || cfg.Speech.TTSProvider == "none") {
				warn("Voice replies", "enabled but no text-to-speech provider configured")
			}

			if cfg.Server.Enabled {
				if err := checkAddr(cfg.Server.Addr); err != nil {
					warn("Server address", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr, err))
				} else {
					pass("Server address", cfg.Server.Addr+" available")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

// checkHistory opens the store, which runs migrations, and queries it once.
func checkHistory(dsn string) error {
	store, err := history.NewSQLiteStore(dsn, 1, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.Count(ctx, "doctor"); err != nil {
		return fmt.Errorf("not readable: %w", err)
	}
	return nil
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
