// Flowline CLI — работа с определениями flows без сервера.
//
// Использование:
//
//	flowline [--json|--yaml] [--verbose] <command> FILE [flags]
//
// Команды:
//
//	migrate   Миграция определения или экспорта по цепочке версий
//	validate  Структурная проверка определения
//	cycles    Поиск цикла без ожидания ввода
//	simulate  Диалог с одним контактом в памяти
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Flowline/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var jsonOutput, yamlOutput, verbose bool

	rootCmd := &cobra.Command{
		Use:           "flowline",
		Short:         "Flowline CLI — migrate, validate and simulate flow definitions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&yamlOutput, "yaml", false, "Output in YAML format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")

	outputFn := func() *cli.Output { return cli.NewOutput(cli.FormatFromFlags(jsonOutput, yamlOutput)) }
	loggerFn := func() *slog.Logger {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	rootCmd.AddCommand(
		cli.NewMigrateCmd(outputFn),
		cli.NewValidateCmd(outputFn),
		cli.NewCyclesCmd(outputFn),
		cli.NewSimulateCmd(outputFn, loggerFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
