package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Sentinel file names in the state directory. KILL_SWITCH stops the bot,
// leaving open positions protected by their broker SLs; PAUSE_SWITCH stops
// new entries but keeps managing what is open. Operators can also touch
// these by hand.
const (
	KillSwitchFile  = "KILL_SWITCH"
	PauseSwitchFile = "PAUSE_SWITCH"
)

// Sentinels manages the on-disk control switches.
type Sentinels struct {
	dir string
}

func NewSentinels(dir string) *Sentinels { return &Sentinels{dir: dir} }

func (s *Sentinels) path(name string) string { return filepath.Join(s.dir, name) }

func (s *Sentinels) present(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

func (s *Sentinels) create(name, reason string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	body := fmt.Sprintf("%s\n%s\n", time.Now().Format(time.RFC3339), reason)
	return os.WriteFile(s.path(name), []byte(body), 0o644)
}

func (s *Sentinels) remove(name string) error {
	err := os.Remove(s.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Sentinels) KillRequested() bool  { return s.present(KillSwitchFile) }
func (s *Sentinels) PauseRequested() bool { return s.present(PauseSwitchFile) }

func (s *Sentinels) RequestKill(reason string) error  { return s.create(KillSwitchFile, reason) }
func (s *Sentinels) RequestPause(reason string) error { return s.create(PauseSwitchFile, reason) }

func (s *Sentinels) ClearKill() error  { return s.remove(KillSwitchFile) }
func (s *Sentinels) ClearPause() error { return s.remove(PauseSwitchFile) }
