package indexer

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/specmem/specmem/pkg/database"
	"github.com/specmem/specmem/pkg/embedding"
	"github.com/specmem/specmem/pkg/errors"
	"github.com/specmem/specmem/pkg/observability"
)

// Config tunes the scan
type Config struct {
	MaxFileSize   int64
	ChunkMaxLines int
}

// Report summarizes one scan
type Report struct {
	FilesSeen      int `json:"filesSeen"`
	FilesIndexed   int `json:"filesIndexed"`
	FilesUnchanged int `json:"filesUnchanged"`
	FilesSkipped   int `json:"filesSkipped"`
	Definitions    int `json:"definitions"`
}

// Indexer scans a project tree into code_definitions
type Indexer struct {
	db          *database.Database
	embedder    embedding.Embedder
	projectPath string
	cfg         Config
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// NewIndexer creates a codebase indexer for one project
func NewIndexer(db *database.Database, embedder embedding.Embedder, projectPath string, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Indexer {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 1 << 20
	}
	if cfg.ChunkMaxLines <= 0 {
		cfg.ChunkMaxLines = 500
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Indexer{
		db:          db,
		embedder:    embedder,
		projectPath: projectPath,
		cfg:         cfg,
		logger:      logger.WithPrefix("indexer"),
		metrics:     metrics,
	}
}

// Scan walks root, indexing every supported source file that changed since
// the last scan. The scan is resumable: unchanged files are skipped by
// content hash.
func (ix *Indexer) Scan(ctx context.Context, root string) (*Report, error) {
	rules := LoadRuleset(root)
	report := &Report{}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil || rel == "." {
			return nil
		}
		if rules.Ignored(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		lang, supported := DetectLanguage(p)
		if !supported {
			return nil
		}
		report.FilesSeen++

		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > ix.cfg.MaxFileSize {
			report.FilesSkipped++
			return nil
		}

		indexed, defCount, fileErr := ix.indexFile(ctx, rel, p, lang)
		switch {
		case fileErr != nil:
			report.FilesSkipped++
			ix.logger.Warn("File indexing failed", map[string]interface{}{
				"file":  rel,
				"error": fileErr.Error(),
			})
		case indexed:
			report.FilesIndexed++
			report.Definitions += defCount
		default:
			report.FilesUnchanged++
		}
		return nil
	})
	if err != nil {
		return report, database.ClassifyError(err)
	}

	ix.logger.Info("Codebase scan finished", map[string]interface{}{
		"indexed":     report.FilesIndexed,
		"unchanged":   report.FilesUnchanged,
		"skipped":     report.FilesSkipped,
		"definitions": report.Definitions,
	})
	ix.metrics.RecordCounter("indexer_definitions_total", float64(report.Definitions), nil)
	return report, nil
}

// indexFile hashes one file, skips it when unchanged, and otherwise extracts
// and persists its definitions. Returns whether the file was (re)indexed.
func (ix *Indexer) indexFile(ctx context.Context, rel, abs, lang string) (bool, int, error) {
	content, err := os.ReadFile(abs)
	if err != nil {
		return false, 0, err
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	var stored string
	err = ix.db.Get(ctx, &stored, fmt.Sprintf(
		`SELECT content_hash FROM %s.indexed_files WHERE file_path = $1`, ix.db.Schema()),
		rel)
	if err != nil && !isNotFound(err) {
		return false, 0, err
	}
	if stored == hash {
		return false, 0, nil
	}

	var defs []Definition
	for _, chunk := range ChunkLines(string(content), ix.cfg.ChunkMaxLines) {
		defs = append(defs, ExtractDefinitions(lang, chunk.Lines, chunk.StartLine)...)
	}

	embeddings := ix.embedDefinitions(ctx, defs)
	for i, def := range defs {
		var embeddingArg interface{}
		if embeddings != nil && embeddings[i] != nil {
			embeddingArg = database.FormatVector(embeddings[i])
		}
		_, err := ix.db.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s.code_definitions
				(id, file_path, language, definition_type, name, signature,
				 line_start, line_end, embedding, project_path)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::public.vector, $10)
			ON CONFLICT (file_path, name, line_start)
			DO UPDATE SET definition_type = EXCLUDED.definition_type,
				signature = EXCLUDED.signature,
				line_end = EXCLUDED.line_end,
				embedding = EXCLUDED.embedding`, ix.db.Schema()),
			uuid.NewString(), rel, lang, def.Type, def.Name, def.Signature,
			def.LineStart, def.LineEnd, embeddingArg, ix.projectPath)
		if err != nil {
			return false, 0, err
		}
	}

	_, err = ix.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.indexed_files (file_path, content_hash, indexed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (file_path)
		DO UPDATE SET content_hash = EXCLUDED.content_hash, indexed_at = now()`,
		ix.db.Schema()),
		rel, hash)
	if err != nil {
		return false, 0, err
	}
	return true, len(defs), nil
}

// embedDefinitions batch-embeds definition signatures; a failed batch leaves
// every embedding nil so the rows still land
func (ix *Indexer) embedDefinitions(ctx context.Context, defs []Definition) [][]float32 {
	if len(defs) == 0 || ix.embedder == nil {
		return nil
	}
	texts := make([]string, len(defs))
	for i, def := range defs {
		texts[i] = def.Name + " " + def.Signature
	}
	vecs, _, err := ix.embedder.BatchEmbed(ctx, texts)
	if err != nil {
		ix.logger.Warn("Definition embedding failed, indexing without vectors", map[string]interface{}{
			"count": len(defs),
			"error": err.Error(),
		})
		return nil
	}
	return vecs
}

func isNotFound(err error) bool {
	return err == sql.ErrNoRows || errors.Is(err, errors.ClassNotFound)
}
