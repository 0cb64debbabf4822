// Package dialog shows native operator dialogs: the document picker exposed
// to the UI and the error box raised by the supervisor.
package dialog

import (
	"context"
	"errors"
	"strings"

	"github.com/ncruces/zenity"
)

// ErrCanceled is returned when the user dismisses the picker.
var ErrCanceled = errors.New("dialog canceled")

// Config controls the file picker.
type Config struct {
	Title      string   `mapstructure:"title"`
	FilterName string   `mapstructure:"filter_name"`
	Extensions []string `mapstructure:"extensions"`
	StartDir   string   `mapstructure:"start_dir"`
}

// DefaultConfig matches the documents the assistant can ingest.
func DefaultConfig() Config {
	return Config{
		Title:      "Open Document",
		FilterName: "Documents",
		Extensions: []string{"pdf", "doc", "docx", "txt"},
	}
}

// Picker selects a single existing file.
type Picker struct {
	cfg        Config
	selectFile func(opts ...zenity.Option) (string, error)
}

func NewPicker(cfg Config) *Picker {
	d := DefaultConfig()
	if cfg.Title == "" {
		cfg.Title = d.Title
	}
	if cfg.FilterName == "" {
		cfg.FilterName = d.FilterName
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = d.Extensions
	}
	return &Picker{cfg: cfg, selectFile: zenity.SelectFile}
}

// Patterns returns the glob patterns for the configured extensions.
func (p *Picker) Patterns() []string {
	out := make([]string, 0, len(p.cfg.Extensions))
	for _, ext := range p.cfg.Extensions {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		ext = strings.TrimPrefix(ext, "*.")
		if ext == "" {
			continue
		}
		out = append(out, "*."+ext)
	}
	return out
}

// PickFile blocks until the user chooses a file or cancels.
func (p *Picker) PickFile(ctx context.Context) (string, error) {
	opts := []zenity.Option{
		zenity.Context(ctx),
		zenity.Title(p.cfg.Title),
		zenity.FileFilters{{Name: p.cfg.FilterName, Patterns: p.Patterns(), CaseFold: true}},
	}
	if p.cfg.StartDir != "" {
		opts = append(opts, zenity.Filename(p.cfg.StartDir))
	}
	path, err := p.selectFile(opts...)
	if errors.Is(err, zenity.ErrCanceled) {
		return "", ErrCanceled
	}
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", ErrCanceled
	}
	return path, nil
}

// Alerter shows modal error boxes.
type Alerter struct {
	errorBox func(text string, opts ...zenity.Option) error
}

func NewAlerter() *Alerter { return &Alerter{errorBox: zenity.Error} }

// Alert shows message with title and waits for the user to dismiss it.
func (a *Alerter) Alert(title, message string) error {
	err := a.errorBox(message, zenity.Title(title), zenity.ErrorIcon)
	if errors.Is(err, zenity.ErrCanceled) {
		return nil
	}
	return err
}
