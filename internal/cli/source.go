package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/Jeffail/gabs/v2"
	"github.com/google/uuid"

	"github.com/shaiso/Flowline/internal/migrate"
)

// readFile читает файл определения; "-" означает stdin.
func readFile(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// parseDocument разбирает JSON документ определения или экспорта.
func parseDocument(data []byte) (*gabs.Container, error) {
	doc, err := gabs.ParseJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", migrate.ErrInvalidDocument, err)
	}
	if _, ok := doc.Data().(map[string]any); !ok {
		return nil, migrate.ErrInvalidDocument
	}
	return doc, nil
}

// isExport возвращает true для экспорта (документ со списком flows).
func isExport(doc *gabs.Container) bool {
	_, ok := doc.S("flows").Data().([]any)
	return ok
}

// metaFromDocument собирает метаданные миграции из самого определения.
func metaFromDocument(doc *gabs.Container) *migrate.Meta {
	meta := &migrate.Meta{FlowType: "F"}
	if def := doc.S("definition"); def.Exists("action_sets") || def.Exists("rule_sets") {
		doc = def
	}
	if v, ok := doc.S("flow_type").Data().(string); ok && v != "" {
		meta.FlowType = v
	}
	if v, ok := doc.S("metadata", "name").Data().(string); ok {
		meta.Name = v
	}
	if v, ok := doc.S("metadata", "uuid").Data().(string); ok {
		meta.FlowUUID = v
	}
	return meta
}

// documentFlowID возвращает metadata.uuid определения или новый UUID.
func documentFlowID(doc *gabs.Container) uuid.UUID {
	if v, ok := doc.S("metadata", "uuid").Data().(string); ok {
		if id, err := uuid.Parse(v); err == nil {
			return id
		}
	}
	return uuid.New()
}
