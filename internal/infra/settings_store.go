package infra

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

const installPathFile = "clamav_path.txt"

// LineSettingsStore implements domain.SettingsStore as one text file per setting,
// one value per line. Blank lines are ignored on load.
type LineSettingsStore struct {
	dir string
	mu  sync.Mutex
}

// NewLineSettingsStore creates a settings store rooted at dir.
func NewLineSettingsStore(dir string) *LineSettingsStore {
	return &LineSettingsStore{dir: dir}
}

// LoadInstallPath returns the saved ClamAV directory, or "" when none is saved.
func (s *LineSettingsStore) LoadInstallPath() (string, error) {
	lines, err := s.read(installPathFile)
	if err != nil || len(lines) == 0 {
		return "", err
	}
	return lines[0], nil
}

// SaveInstallPath persists the ClamAV directory.
func (s *LineSettingsStore) SaveInstallPath(path string) error {
	return s.write(installPathFile, []string{strings.TrimSpace(path)})
}

// LoadList returns the values of list in saved order.
func (s *LineSettingsStore) LoadList(list domain.SettingsList) ([]string, error) {
	return s.read(string(list) + ".txt")
}

// SaveList replaces the values of list.
func (s *LineSettingsStore) SaveList(list domain.SettingsList, values []string) error {
	return s.write(string(list)+".txt", values)
}

func (s *LineSettingsStore) read(name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func (s *LineSettingsStore) write(name string, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	var buf bytes.Buffer
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			buf.WriteString(v)
			buf.WriteByte('\n')
		}
	}

	path := filepath.Join(s.dir, name)
	tmpPath := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

var _ domain.SettingsStore = (*LineSettingsStore)(nil)
