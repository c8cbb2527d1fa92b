package output

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{input: "", want: FormatTable},
		{input: "table", want: FormatTable},
		{input: " JSON ", want: FormatJSON},
		{input: "yml", want: FormatYAML},
		{input: "toml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type extentRow struct {
	Index int     `json:"index" yaml:"index"`
	Live  float64 `json:"live" yaml:"live"`
}

type extentRows []extentRow

func (extentRows) Headers() []string { return []string{"Extent", "Live"} }

func (r extentRows) Rows() [][]string {
	out := make([][]string, 0, len(r))
	for _, e := range r {
		out = append(out, []string{fmt.Sprintf("e%d", e.Index), fmt.Sprintf("%.2f", e.Live)})
	}
	return out
}

func TestPrinter(t *testing.T) {
	rows := extentRows{{Index: 1, Live: 0.5}, {Index: 2, Live: 1}}

	t.Run("Table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewPrinter(&buf, FormatTable).Print(rows))
		assert.Contains(t, buf.String(), "EXTENT")
		assert.Contains(t, buf.String(), "e1")
		assert.Contains(t, buf.String(), "e2")
	})

	t.Run("JSON", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewPrinter(&buf, FormatJSON).Print(rows))
		assert.JSONEq(t, `[{"index":1,"live":0.5},{"index":2,"live":1}]`, buf.String())
	})

	t.Run("YAML", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewPrinter(&buf, FormatYAML).Print(rows))
		assert.Contains(t, buf.String(), "- index: 1")
		assert.Contains(t, buf.String(), "live: 0.5")
	})

	t.Run("TableFallsBackToJSON", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewPrinter(&buf, FormatTable).Print(map[string]int{"blocks": 3}))
		assert.JSONEq(t, `{"blocks":3}`, buf.String())
	})
}

func TestSection(t *testing.T) {
	pairs := [][2]string{{"Blocks", "12"}, {"Live ratio", "0.75"}}

	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, FormatTable).Section("serializer", pairs))
	assert.Contains(t, buf.String(), "SERIALIZER")
	assert.Contains(t, buf.String(), "Live ratio")
	assert.Contains(t, buf.String(), "0.75")

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, FormatJSON).Section("serializer", pairs))
	assert.Empty(t, buf.String())
}

func TestTable(t *testing.T) {
	tbl := NewTable("Index", "Reads")
	assert.Empty(t, tbl.Rows())
	tbl.AddRow("primary", "4")

	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, tbl))
	assert.Contains(t, buf.String(), "INDEX")
	assert.Contains(t, buf.String(), "primary")
}
