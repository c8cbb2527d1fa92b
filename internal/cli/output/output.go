// Package output renders CLI results as tables, JSON or YAML.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects how a Printer renders values.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a --output flag value. The empty string selects a table.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("invalid output format: %q (valid: table, json, yaml)", s)
}

func (f Format) String() string {
	return string(f)
}

// Printer writes values in one format.
type Printer struct {
	out    io.Writer
	format Format
}

// NewPrinter returns a Printer writing to out.
func NewPrinter(out io.Writer, format Format) *Printer {
	return &Printer{out: out, format: format}
}

// Format returns the printer's format.
func (p *Printer) Format() Format {
	return p.format
}

// Print renders v. In table format v must implement TableRenderer; other
// values fall back to JSON.
func (p *Printer) Print(v any) error {
	switch p.format {
	case FormatTable:
		if r, ok := v.(TableRenderer); ok {
			return PrintTable(p.out, r)
		}
		return PrintJSON(p.out, v)
	case FormatJSON:
		return PrintJSON(p.out, v)
	case FormatYAML:
		return PrintYAML(p.out, v)
	}
	return fmt.Errorf("unknown format: %s", p.format)
}

// Section prints a titled key/value table. It is a no-op outside table
// format, where the structured value is printed whole instead.
func (p *Printer) Section(title string, pairs [][2]string) error {
	if p.format != FormatTable {
		return nil
	}
	if _, err := fmt.Fprintf(p.out, "%s\n", strings.ToUpper(title)); err != nil {
		return err
	}
	if err := KeyValues(p.out, pairs); err != nil {
		return err
	}
	_, err := fmt.Fprintln(p.out)
	return err
}

// Printf writes a formatted message regardless of format.
func (p *Printer) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

// PrintJSON writes v as indented JSON.
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintYAML writes v as YAML. Keys follow v's json tags so both formats
// name fields alike.
func PrintYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	return enc.Encode(generic)
}
