package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Session remembers which game and seat the CLI acts for.
type Session struct {
	APIBaseURL string `json:"api_base_url,omitempty"`
	GameID     string `json:"game_id"`
	PlayerID   string `json:"player_id,omitempty"`
}

// SessionDir is overridden in tests.
var SessionDir = func() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".bourse"), nil
}

func sessionPath() (string, error) {
	dir, err := SessionDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.json"), nil
}

func SaveSession(s Session) error {
	path, err := sessionPath()
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o600)
}

// LoadSession returns an empty session when none was saved.
func LoadSession() (Session, error) {
	path, err := sessionPath()
	if err != nil {
		return Session{}, err
	}
	body, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, nil
	}
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return Session{}, fmt.Errorf("read session %s: %w", path, err)
	}
	return s, nil
}

func ClearSession() error {
	path, err := sessionPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Resolve prefers explicit flag values over the saved session.
func (s Session) Resolve(gameID, playerID string) (string, string, error) {
	if strings.TrimSpace(gameID) == "" {
		gameID = s.GameID
	}
	if strings.TrimSpace(playerID) == "" {
		playerID = s.PlayerID
	}
	if gameID == "" {
		return "", "", errors.New("no game selected; pass --game or run `bourse use`")
	}
	return gameID, playerID, nil
}
