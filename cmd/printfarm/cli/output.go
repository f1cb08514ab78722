// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"io"
	"os"
	"reflect"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// JSONOutput adds a --json flag to a command. Embed it in the
// command's parameters and check EmitJSON before text formatting:
//
//	if done, err := params.EmitJSON(stdout, jobs); done {
//	    return err
//	}
type JSONOutput struct {
	OutputJSON bool
}

// AddFlags registers --json.
func (j *JSONOutput) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.BoolVar(&j.OutputJSON, "json", false, "output as JSON")
}

// EmitJSON writes result to w as indented JSON when --json is set and
// reports whether it did. A nil slice is written as [].
func (j *JSONOutput) EmitJSON(w io.Writer, result any) (bool, error) {
	if !j.OutputJSON {
		return false, nil
	}
	return true, WriteJSON(w, normalizeNilSlice(result))
}

// WriteJSON writes value to w as indented JSON.
func WriteJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func normalizeNilSlice(value any) any {
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Slice && v.IsNil() {
		return reflect.MakeSlice(v.Type(), 0, 0).Interface()
	}
	return value
}

// NewTable returns a tabwriter for column output. Flush it when done.
func NewTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// Palette colours status words when writing to a terminal and passes
// them through unchanged otherwise.
type Palette struct {
	enabled bool

	good    lipgloss.Style
	warning lipgloss.Style
	bad     lipgloss.Style
	muted   lipgloss.Style
}

// PaletteFor returns a palette enabled only when w is a terminal.
func PaletteFor(w io.Writer) Palette {
	file, ok := w.(*os.File)
	enabled := ok && term.IsTerminal(int(file.Fd()))
	return Palette{
		enabled: enabled,
		good:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		bad:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		muted:   lipgloss.NewStyle().Faint(true),
	}
}

func (p Palette) render(style lipgloss.Style, text string) string {
	if !p.enabled || text == "" {
		return text
	}
	return style.Render(text)
}

// Good renders text as a healthy state.
func (p Palette) Good(text string) string { return p.render(p.good, text) }

// Warning renders text as a state needing attention.
func (p Palette) Warning(text string) string { return p.render(p.warning, text) }

// Bad renders text as a fault.
func (p Palette) Bad(text string) string { return p.render(p.bad, text) }

// Muted renders secondary text.
func (p Palette) Muted(text string) string { return p.render(p.muted, text) }

// YesNo renders a boolean as "yes" in the good style or "no" in the
// bad style.
func (p Palette) YesNo(value bool) string {
	if value {
		return p.Good("yes")
	}
	return p.Bad("no")
}
