package config

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/mitchellh/go-homedir"
	"github.com/petems/audio-router/internal/router"
)

const appName = "audio-router"

// Settings is the persisted routing selection.
type Settings struct {
	ChannelCount     int
	BufferSize       int
	InputDeviceName  string
	OutputDeviceName string
}

// Defaults returns the settings of a fresh install.
func Defaults() *Settings {
	return FromRouter(router.DefaultConfig())
}

// FromRouter converts a router configuration into persisted settings.
func FromRouter(cfg router.Config) *Settings {
	return &Settings{
		ChannelCount:     cfg.ChannelCount,
		BufferSize:       cfg.PreferredBufferSize,
		InputDeviceName:  cfg.InputDeviceName,
		OutputDeviceName: cfg.OutputDeviceName,
	}
}

// RouterConfig converts the settings into a router configuration.
func (s *Settings) RouterConfig() router.Config {
	return router.Config{
		InputDeviceName:     s.InputDeviceName,
		OutputDeviceName:    s.OutputDeviceName,
		ChannelCount:        s.ChannelCount,
		PreferredBufferSize: s.BufferSize,
	}
}

type deviceElement struct {
	Name string `xml:"name,attr"`
}

type document struct {
	XMLName      xml.Name       `xml:"AudioRouter"`
	ChannelCount string         `xml:"channelCount,attr,omitempty"`
	BufferSize   string         `xml:"bufferSize,attr,omitempty"`
	InputDevice  *deviceElement `xml:"InputDevice"`
	OutputDevice *deviceElement `xml:"OutputDevice"`
}

// ErrPartialSettings is returned by Load alongside usable settings when
// parts of the file were missing or invalid and fell back to unset values.
var ErrPartialSettings = errors.New("settings partially loaded")

// Load reads settings from path. It never returns nil settings: a missing
// or unparseable file yields all-unset settings (zero channel and buffer
// values, empty device names) and a missing or invalid entry resets only
// that field. The returned error describes what degraded.
func Load(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read settings file: %w", err)
	}

	var doc document
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return s, fmt.Errorf("failed to parse settings file: %w", err)
	}

	var problems []error
	if s.ChannelCount, err = intAttr(doc.ChannelCount); err != nil {
		problems = append(problems, fmt.Errorf("channelCount: %w", err))
	}
	if s.BufferSize, err = intAttr(doc.BufferSize); err != nil {
		problems = append(problems, fmt.Errorf("bufferSize: %w", err))
	}
	if doc.InputDevice == nil {
		problems = append(problems, errors.New("InputDevice entry not found"))
	} else {
		s.InputDeviceName = doc.InputDevice.Name
	}
	if doc.OutputDevice == nil {
		problems = append(problems, errors.New("OutputDevice entry not found"))
	} else {
		s.OutputDeviceName = doc.OutputDevice.Name
	}

	if len(problems) > 0 {
		return s, fmt.Errorf("%w: %w", ErrPartialSettings, errors.Join(problems...))
	}
	return s, nil
}

func intAttr(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}

// Save writes the settings to path, replacing any existing file.
func (s *Settings) Save(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	doc := document{
		ChannelCount: strconv.Itoa(s.ChannelCount),
		BufferSize:   strconv.Itoa(s.BufferSize),
		InputDevice:  &deviceElement{Name: s.InputDeviceName},
		OutputDevice: &deviceElement{Name: s.OutputDeviceName},
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	data = append([]byte(xml.Header), data...)
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	// CreateTemp opens the file 0600; keep the settings user-editable.
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// SettingsPath returns the platform-specific settings file path
func SettingsPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = filepath.Join(home(), "Library", "Application Support")
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = filepath.Join(home(), ".config")
		}
	}

	return filepath.Join(base, appName, "config.xml")
}

// LogPath returns the platform-specific log file path
func LogPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = filepath.Join(home(), "Library", "Logs")
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			base = xdg
		} else {
			base = filepath.Join(home(), ".local", "state")
		}
	}

	return filepath.Join(base, appName, appName+".log")
}

func home() string {
	dir, err := homedir.Dir()
	if err != nil {
		return "."
	}
	return dir
}
