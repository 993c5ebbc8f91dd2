// Package toy imports bundled sample models into the model database.
//
// A toy model is a directory of <collection>.json files, each holding either a
// JSON array or newline-delimited MongoDB extended JSON documents. Every file is
// inserted into the "<project>.<collection>" collection of the target database.
package toy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mattjoyce/bouncer-worker/internal/log"
)

// ErrEmptyModel is returned when a toy directory holds no collection files.
var ErrEmptyModel = errors.New("toy model has no collection files")

// Request describes one toy import.
type Request struct {
	Dir      string
	Database string
	Project  string
}

// Importer imports a toy model.
type Importer interface {
	Import(ctx context.Context, req Request) error
}

// Store receives decoded documents.
type Store interface {
	InsertMany(ctx context.Context, database, collection string, docs []any) error
}

// FileImporter reads toy model files from disk into a Store.
type FileImporter struct {
	store  Store
	logger *slog.Logger
}

// NewFileImporter creates a FileImporter.
func NewFileImporter(store Store) *FileImporter {
	return &FileImporter{store: store, logger: log.WithComponent("toy")}
}

// Import inserts every collection file under req.Dir. It stops at the first error.
func (i *FileImporter) Import(ctx context.Context, req Request) error {
	if req.Database == "" || req.Project == "" {
		return fmt.Errorf("toy import: database and project are required")
	}

	files, err := filepath.Glob(filepath.Join(req.Dir, "*.json"))
	if err != nil {
		return fmt.Errorf("toy import: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("toy import %s: %w", req.Dir, ErrEmptyModel)
	}
	sort.Strings(files)

	for _, file := range files {
		collection := req.Project + "." + strings.TrimSuffix(filepath.Base(file), ".json")
		docs, err := readDocuments(file)
		if err != nil {
			return fmt.Errorf("toy import %s: %w", file, err)
		}
		if len(docs) == 0 {
			continue
		}
		if err := i.store.InsertMany(ctx, req.Database, collection, docs); err != nil {
			return fmt.Errorf("toy import into %s.%s: %w", req.Database, collection, err)
		}
		i.logger.Debug("imported toy collection", "database", req.Database, "collection", collection, "documents", len(docs))
	}

	i.logger.Info("toy model imported", "dir", req.Dir, "database", req.Database, "project", req.Project)
	return nil
}

// readDocuments decodes a JSON array or a stream of extended JSON documents.
func readDocuments(path string) ([]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var raws []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, err
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		for {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, err
			}
			raws = append(raws, raw)
		}
	}

	docs := make([]any, 0, len(raws))
	for n, raw := range raws {
		var doc bson.D
		if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
			return nil, fmt.Errorf("document %d: %w", n, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
