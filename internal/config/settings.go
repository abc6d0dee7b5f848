package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/unkn0wn-root/sockterm/internal/errdef"
)

const (
	SettingsFormatTOML SettingsFormat = "toml"
	SettingsFormatJSON SettingsFormat = "json"
)

type TimeoutSettings struct {
	Connect     Duration `json:"connect"      toml:"connect"`
	Send        Duration `json:"send"         toml:"send"`
	Receive     Duration `json:"receive"      toml:"receive"`
	Evaluate    Duration `json:"evaluate"     toml:"evaluate"`
	Bridge      Duration `json:"bridge"       toml:"bridge"`
	StreamReply Duration `json:"stream_reply" toml:"stream_reply"`
	StreamIdle  Duration `json:"stream_idle"  toml:"stream_idle"`
}

type RunnerSettings struct {
	Concurrency int `json:"concurrency" toml:"concurrency"`
}

type HistorySettings struct {
	// Path defaults to history.db in Dir().
	Path       string `json:"path"        toml:"path"`
	MaxEntries int    `json:"max_entries" toml:"max_entries"`
}

type LogSettings struct {
	Level string `json:"level" toml:"level"`
}

type Settings struct {
	Timeouts TimeoutSettings `json:"timeouts" toml:"timeouts"`
	Runner   RunnerSettings  `json:"runner"   toml:"runner"`
	History  HistorySettings `json:"history"  toml:"history"`
	Log      LogSettings     `json:"log"      toml:"log"`
}

// HistoryPath resolves the history database location.
func (s Settings) HistoryPath() string {
	if p := strings.TrimSpace(s.History.Path); p != "" {
		return p
	}
	return filepath.Join(Dir(), "history.db")
}

type SettingsFormat string
type SettingsHandle struct {
	Path   string
	Format SettingsFormat
}

// tries loading TOML first, then JSON, then falls back to defaults if neither exists.
// parse errors fail immediately but missing files just skip to the next format.
// environment overrides are applied last.
func LoadSettings(getenv func(string) string) (Settings, SettingsHandle, error) {
	dir := Dir()
	candidates := []SettingsHandle{
		{Path: filepath.Join(dir, "settings.toml"), Format: SettingsFormatTOML},
		{Path: filepath.Join(dir, "settings.json"), Format: SettingsFormatJSON},
	}

	var accumulated error
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate.Path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			accumulated = errors.Join(
				accumulated,
				fmt.Errorf("read settings %q: %w", candidate.Path, err),
			)
			continue
		}

		settings, err := decodeSettings(data, candidate.Format)
		if err != nil {
			return Settings{}, SettingsHandle{}, errdef.Wrap(
				errdef.CodeConfig,
				err,
				"parse settings %q",
				candidate.Path,
			)
		}
		settings, err = ApplyEnv(settings, getenv)
		if err != nil {
			return Settings{}, SettingsHandle{}, err
		}
		return Normalise(settings), candidate, nil
	}

	if accumulated != nil {
		return Settings{}, SettingsHandle{}, errdef.Wrap(errdef.CodeConfig, accumulated, "load settings")
	}

	settings, err := ApplyEnv(DefaultSettings(), getenv)
	if err != nil {
		return Settings{}, SettingsHandle{}, err
	}
	return Normalise(settings), SettingsHandle{
		Path:   candidates[0].Path,
		Format: SettingsFormatTOML,
	}, nil
}

func decodeSettings(data []byte, format SettingsFormat) (Settings, error) {
	settings := DefaultSettings()
	switch format {
	case SettingsFormatTOML:
		if err := toml.Unmarshal(data, &settings); err != nil {
			return Settings{}, err
		}
	case SettingsFormatJSON:
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&settings); err != nil {
			return Settings{}, err
		}
	default:
		return Settings{}, fmt.Errorf("unsupported settings format %q", format)
	}
	return settings, nil
}

func SaveSettings(settings Settings, handle SettingsHandle) error {
	settings = Normalise(settings)
	path := handle.Path
	format := handle.Format
	if path == "" {
		path = filepath.Join(Dir(), "settings.toml")
	}
	if format == "" {
		format = SettingsFormatTOML
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errdef.Wrap(errdef.CodeFilesystem, err, "ensure settings directory")
	}

	var (
		data []byte
		err  error
	)

	switch format {
	case SettingsFormatTOML:
		data, err = toml.Marshal(settings)
	case SettingsFormatJSON:
		buffer := &bytes.Buffer{}
		encoder := json.NewEncoder(buffer)
		encoder.SetIndent("", "  ")
		if err = encoder.Encode(settings); err == nil {
			data = buffer.Bytes()
		}
	default:
		return errdef.New(errdef.CodeConfig, "unsupported settings format %q", format)
	}
	if err != nil {
		return errdef.Wrap(errdef.CodeConfig, err, "encode settings")
	}

	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return errdef.Wrap(errdef.CodeFilesystem, err, "write settings %q", path)
	}
	return nil
}

// the temp file is renamed over the target so readers never see a partial write.
func writeFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sockterm-settings-*.tmp")
	if err != nil {
		return err
	}

	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return errors.Join(err, tmp.Close())
	}
	if err := tmp.Chmod(perm); err != nil {
		return errors.Join(err, tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
