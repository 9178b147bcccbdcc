package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/Flowline/internal/engine"
	"github.com/shaiso/Flowline/internal/flowdef"
	"github.com/shaiso/Flowline/internal/migrate"
)

// ValidationReport — итог проверки определения.
type ValidationReport struct {
	Version  string          `json:"version" yaml:"version"`
	Migrated string          `json:"migrated_from,omitempty" yaml:"migrated_from,omitempty"`
	Nodes    int             `json:"nodes" yaml:"nodes"`
	Warnings []ReportWarning `json:"warnings" yaml:"warnings"`
	Cycle    []string        `json:"cycle,omitempty" yaml:"cycle,omitempty"`
}

// ReportWarning — одно некритичное нарушение.
type ReportWarning struct {
	Node    string `json:"node" yaml:"node"`
	Field   string `json:"field" yaml:"field"`
	Message string `json:"message" yaml:"message"`
}

// loadDefinition читает определение, при необходимости мигрируя его
// до последней версии. Возвращает версию файла, если была миграция.
func loadDefinition(path string) (*flowdef.Definition, string, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, "", err
	}
	doc, err := parseDocument(data)
	if err != nil {
		return nil, "", err
	}
	if isExport(doc) {
		return nil, "", errors.New("file is an export, run migrate --export first")
	}

	var migratedFrom string
	if !migrate.IsCurrent(doc) {
		from, err := migrate.DocumentVersion(doc)
		if err != nil {
			return nil, "", err
		}
		doc, err = migrate.DefaultRegistry().Migrate(doc, metaFromDocument(doc), "")
		if err != nil {
			return nil, "", err
		}
		migratedFrom = from.String()
	}

	def, err := flowdef.Parse(doc.Bytes())
	if err != nil {
		return nil, "", err
	}
	return def, migratedFrom, nil
}

// NewValidateCmd создаёт команду структурной проверки определения.
func NewValidateCmd(outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a flow definition",
		Long: `Validate the structure of a flow definition: node and rule uuids, entry,
dangling destinations and cycles that never wait for input. Older
definitions are migrated in memory first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			def, migratedFrom, err := loadDefinition(args[0])
			if err != nil {
				return err
			}

			warnings, err := engine.Validate(def)
			if err != nil {
				return err
			}

			report := ValidationReport{
				Version:  flowdef.CurrentVersion,
				Migrated: migratedFrom,
				Nodes:    len(def.ActionSets) + len(def.RuleSets),
				Warnings: make([]ReportWarning, len(warnings)),
				Cycle:    engine.DetectInvalidCycles(def),
			}
			rows := make([][]string, len(warnings))
			for i, w := range warnings {
				report.Warnings[i] = ReportWarning{Node: w.NodeUUID, Field: w.Field, Message: w.Message}
				rows[i] = []string{w.NodeUUID, w.Field, w.Message}
			}

			if out.Format() == FormatTable && len(rows) > 0 {
				if err := out.Table([]string{"NODE", "FIELD", "WARNING"}, rows); err != nil {
					return err
				}
			} else if out.Format() != FormatTable {
				if err := out.Print(nil, nil, report); err != nil {
					return err
				}
			}

			if report.Cycle != nil {
				return &engine.CycleError{Path: report.Cycle}
			}
			out.Success(fmt.Sprintf("Definition is valid (%d nodes, %d warnings)", report.Nodes, len(warnings)))
			return nil
		},
	}
}

// NewCyclesCmd создаёт команду поиска циклов без ожидания ввода.
func NewCyclesCmd(outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cycles FILE",
		Short: "Find a cycle that never waits for input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			def, _, err := loadDefinition(args[0])
			if err != nil {
				return err
			}

			cycle := engine.DetectInvalidCycles(def)
			if out.Format() != FormatTable {
				if err := out.Print(nil, nil, map[string]any{"cycle": cycle}); err != nil {
					return err
				}
			} else if cycle != nil {
				fmt.Fprintln(out.w, strings.Join(cycle, " -> "))
			}

			if cycle != nil {
				return &engine.CycleError{Path: cycle}
			}
			out.Success("No invalid cycles")
			return nil
		},
	}
}
