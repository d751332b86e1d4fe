// Package cpf manages IRIS-style CPF (Configuration Parameter File) files:
// reading and writing settings, timestamped backups, and the restart rule table.
package cpf

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Settings whose change always mandates an instance restart.
var restartSections = map[string]bool{
	"Startup": true,
	"config":  true,
}

var restartKeys = map[string]bool{
	"globals":     true,
	"routines":    true,
	"gmheap":      true,
	"locksiz":     true,
	"genericheap": true,
	"wijdir":      true,
	"database":    true,
}

// Manager reads and writes one CPF file. Writes go through a timestamped
// backup under backups/ next to the file, so a failed change can be restored.
type Manager struct {
	path      string
	backupDir string
}

func NewManager(path string) *Manager {
	return &Manager{
		path:      path,
		backupDir: filepath.Join(filepath.Dir(path), "backups"),
	}
}

// Path returns the managed CPF file path.
func (m *Manager) Path() string {
	return m.path
}

// ReadSetting returns the value of section/key, or an error if absent.
func (m *Manager) ReadSetting(section, key string) (string, error) {
	f, err := ini.Load(m.path)
	if err != nil {
		return "", fmt.Errorf("load cpf %s: %w", m.path, err)
	}

	sec := f.Section(section)
	if !sec.HasKey(key) {
		return "", fmt.Errorf("setting %s/%s not found in %s", section, key, m.path)
	}
	return sec.Key(key).String(), nil
}

// WriteSetting backs up the file, then sets section/key to value. Returns the
// backup path and the previous value ("" if the key did not exist). On a write
// failure the backup is restored before returning.
func (m *Manager) WriteSetting(section, key, value string) (backupPath, oldValue string, err error) {
	backupPath, err = m.CreateBackup()
	if err != nil {
		return "", "", fmt.Errorf("backup before write: %w", err)
	}

	f, err := ini.Load(m.path)
	if err != nil {
		return backupPath, "", fmt.Errorf("load cpf %s: %w", m.path, err)
	}

	sec := f.Section(section)
	if sec.HasKey(key) {
		oldValue = sec.Key(key).String()
	}
	sec.Key(key).SetValue(value)

	if err := f.SaveTo(m.path); err != nil {
		// Best effort restore; the save error is the one that matters.
		_ = m.RestoreBackup(backupPath)
		return backupPath, oldValue, fmt.Errorf("save cpf %s: %w", m.path, err)
	}
	return backupPath, oldValue, nil
}

// CreateBackup copies the current file to backups/<name>.backup.<timestamp>.
func (m *Manager) CreateBackup() (string, error) {
	if err := os.MkdirAll(m.backupDir, 0755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405.000000000")
	backupPath := filepath.Join(m.backupDir,
		fmt.Sprintf("%s.backup.%s", filepath.Base(m.path), timestamp))

	if err := copyFile(m.path, backupPath); err != nil {
		return "", fmt.Errorf("copy to backup: %w", err)
	}
	return backupPath, nil
}

// RestoreBackup overwrites the CPF file with a previously created backup.
func (m *Manager) RestoreBackup(backupPath string) error {
	if err := copyFile(backupPath, m.path); err != nil {
		return fmt.Errorf("restore backup %s: %w", backupPath, err)
	}
	return nil
}

// Validate checks that the file parses as INI.
func (m *Manager) Validate() error {
	if _, err := ini.Load(m.path); err != nil {
		return fmt.Errorf("validate cpf %s: %w", m.path, err)
	}
	return nil
}

// RequiresRestart reports whether changing section/key mandates a restart of
// the managed instance.
func (m *Manager) RequiresRestart(section, key string) bool {
	if restartSections[section] {
		return true
	}
	return restartKeys[strings.ToLower(key)]
}

// Sections returns all sections and their settings.
func (m *Manager) Sections() (map[string]map[string]string, error) {
	f, err := ini.Load(m.path)
	if err != nil {
		return nil, fmt.Errorf("load cpf %s: %w", m.path, err)
	}

	out := make(map[string]map[string]string)
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		settings := make(map[string]string, len(sec.Keys()))
		for _, k := range sec.Keys() {
			settings[k.Name()] = k.String()
		}
		out[sec.Name()] = settings
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
