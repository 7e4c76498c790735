// Package settings holds the mutable runtime state shared by the pipeline: the bot
// name, the active provider mode and the custom prompt. The host service owns the
// lifecycle; components read through getters and mutate through setters.
package settings

import (
	"sync"

	"relaybot/internal/domain"
)

type Settings struct {
	mu     sync.RWMutex
	name   string
	mode   domain.Mode
	prompt string
}

func New(name string, mode domain.Mode, prompt string) *Settings {
	return &Settings{name: name, mode: mode, prompt: prompt}
}

// Snapshot is a consistent copy of the settings.
type Snapshot struct {
	Name   string
	Mode   domain.Mode
	Prompt string
}

func (s *Settings) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Name: s.name, Mode: s.mode, Prompt: s.prompt}
}

func (s *Settings) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *Settings) Mode() domain.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *Settings) Prompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prompt
}

func (s *Settings) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

func (s *Settings) SetMode(mode domain.Mode) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

func (s *Settings) SetPrompt(prompt string) {
	s.mu.Lock()
	s.prompt = prompt
	s.mu.Unlock()
}
