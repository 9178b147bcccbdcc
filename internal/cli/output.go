package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Format — формат вывода данных.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// FormatFromFlags выбирает формат по флагам --json и --yaml.
func FormatFromFlags(jsonMode, yamlMode bool) Format {
	switch {
	case yamlMode:
		return FormatYAML
	case jsonMode:
		return FormatJSON
	default:
		return FormatTable
	}
}

// Output управляет форматированием вывода CLI.
type Output struct {
	format Format
	w      io.Writer // stdout для данных
	errW   io.Writer // stderr для сообщений
}

// NewOutput создаёт Output, пишущий в stdout и stderr.
func NewOutput(format Format) *Output {
	return NewOutputTo(format, os.Stdout, os.Stderr)
}

// NewOutputTo создаёт Output с заданными потоками.
func NewOutputTo(format Format, w, errW io.Writer) *Output {
	if format == "" {
		format = FormatTable
	}
	return &Output{format: format, w: w, errW: errW}
}

// Format возвращает формат вывода.
func (o *Output) Format() Format {
	return o.format
}

// Print выводит данные: таблицу, JSON или YAML в зависимости от режима.
func (o *Output) Print(headers []string, rows [][]string, data any) error {
	switch o.format {
	case FormatJSON:
		return o.JSON(data)
	case FormatYAML:
		return o.YAML(data)
	}
	return o.Table(headers, rows)
}

// Document выводит документ целиком: YAML при --yaml, иначе JSON.
func (o *Output) Document(v any) error {
	if o.format == FormatYAML {
		return o.YAML(v)
	}
	return o.JSON(v)
}

// Table выводит данные в виде таблицы через tabwriter.
func (o *Output) Table(headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	// Заголовки
	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	// Разделитель
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))

	// Строки данных
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	return tw.Flush()
}

// JSON выводит данные в формате JSON с отступами.
func (o *Output) JSON(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// YAML выводит данные в формате YAML.
func (o *Output) YAML(v any) error {
	enc := yaml.NewEncoder(o.w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// Success выводит сообщение об успехе в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error выводит сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}
