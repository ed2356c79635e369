// Package knowledge mirrors embedded documents into Neo4j as
// Document -> Section -> Chunk nodes so the corpus structure can be browsed
// next to the vector collection.
package knowledge

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"

	"github.com/fabfab/docqa/content"
	"github.com/fabfab/docqa/logging"
)

var graphNamespace = uuid.MustParse("0b8f1f5e-93a4-4d0c-a3f2-7c5e2b61d9aa")

type Document struct {
	ID         string
	Collection string
	Name       string
	Title      string
	Locator    string
	Source     string
	Sections   []Section
	Chunks     []Chunk
}

type Chunk struct {
	ID        string
	Ordinal   int
	Page      int
	Text      string
	SectionID string
}

type Section struct {
	ID    string
	Title string
	Order int
}

// DocumentsFromChunks groups chunks by document name. Sections are ordered by
// first appearance and chunks by ordinal.
func DocumentsFromChunks(collection string, chunks []content.Chunk) []Document {
	byName := make(map[string]*Document)
	var names []string

	for _, c := range chunks {
		doc, ok := byName[c.DocumentName]
		if !ok {
			docID := uuid.NewSHA1(graphNamespace, []byte(collection+"/"+c.DocumentName)).String()
			doc = &Document{
				ID:         docID,
				Collection: collection,
				Name:       c.DocumentName,
				Title:      c.DocumentTitle,
				Locator:    c.Locator(),
				Source:     sourceOf(c),
			}
			byName[c.DocumentName] = doc
			names = append(names, c.DocumentName)
		}

		sectionID := ""
		if c.Section != "" {
			sectionID = uuid.NewSHA1(graphNamespace, []byte(doc.ID+"#"+c.Section)).String()
			if !hasSection(doc.Sections, sectionID) {
				doc.Sections = append(doc.Sections, Section{ID: sectionID, Title: c.Section, Order: len(doc.Sections)})
			}
		}
		doc.Chunks = append(doc.Chunks, Chunk{
			ID:        c.ID,
			Ordinal:   c.Ordinal,
			Page:      c.PageNumber,
			Text:      c.Text,
			SectionID: sectionID,
		})
	}

	sort.Strings(names)
	docs := make([]Document, 0, len(names))
	for _, name := range names {
		doc := byName[name]
		sort.SliceStable(doc.Chunks, func(i, j int) bool { return doc.Chunks[i].Ordinal < doc.Chunks[j].Ordinal })
		docs = append(docs, *doc)
	}
	return docs
}

// sourceOf is the site host for crawled pages and the parent directory for
// local files.
func sourceOf(c content.Chunk) string {
	if c.SourceURL != "" {
		if u, err := url.Parse(c.SourceURL); err == nil {
			return u.Host
		}
	}
	if c.FilePath != "" {
		return filepath.Dir(c.FilePath)
	}
	return ""
}

func hasSection(sections []Section, id string) bool {
	for _, s := range sections {
		if s.ID == id {
			return true
		}
	}
	return false
}

func SyncDocument(ctx context.Context, driver neo4j.DriverWithContext, doc Document) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]any{
		"id":         doc.ID,
		"collection": doc.Collection,
		"name":       doc.Name,
		"title":      doc.Title,
		"locator":    doc.Locator,
		"source":     doc.Source,
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Document {id: $id})
			SET d.collection = $collection,
			    d.name = $name,
			    d.title = $title,
			    d.locator = $locator,
			    d.updated_at = datetime()
		`, params); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[r:FROM_SOURCE]->(:Source)
			DELETE r
		`, params); err != nil {
			return nil, fmt.Errorf("remove stale source relation: %w", err)
		}
		if doc.Source != "" {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $id})
				MERGE (s:Source {name: $source})
				MERGE (d)-[:FROM_SOURCE]->(s)
			`, params); err != nil {
				return nil, fmt.Errorf("upsert source relation: %w", err)
			}
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[:HAS_SECTION]->(s:Section)
			DETACH DELETE s
		`, params); err != nil {
			return nil, fmt.Errorf("clear existing sections: %w", err)
		}
		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[:HAS_CHUNK]->(c:Chunk)
			DETACH DELETE c
		`, params); err != nil {
			return nil, fmt.Errorf("clear existing chunk nodes: %w", err)
		}

		for _, section := range doc.Sections {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $doc_id})
				MERGE (s:Section {id: $section_id})
				SET s.title = $section_title,
				    s.order = $section_order
				MERGE (d)-[:HAS_SECTION {order: $section_order}]->(s)
			`, map[string]any{
				"doc_id":        doc.ID,
				"section_id":    section.ID,
				"section_title": section.Title,
				"section_order": section.Order,
			}); err != nil {
				return nil, fmt.Errorf("upsert section: %w", err)
			}
		}

		for _, chunk := range doc.Chunks {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $doc_id})
				MERGE (c:Chunk {id: $chunk_id})
				SET c.ordinal = $ordinal,
				    c.page = $page,
				    c.text = $text
				MERGE (d)-[:HAS_CHUNK {order: $ordinal}]->(c)
			`, map[string]any{
				"doc_id":   doc.ID,
				"chunk_id": chunk.ID,
				"ordinal":  chunk.Ordinal,
				"page":     chunk.Page,
				"text":     chunk.Text,
			}); err != nil {
				return nil, fmt.Errorf("upsert chunk node: %w", err)
			}

			if chunk.SectionID != "" {
				if _, err := tx.Run(ctx, `
					MATCH (s:Section {id: $section_id}), (c:Chunk {id: $chunk_id})
					MERGE (s)-[:HAS_CHUNK {order: $ordinal}]->(c)
				`, map[string]any{
					"section_id": chunk.SectionID,
					"chunk_id":   chunk.ID,
					"ordinal":    chunk.Ordinal,
				}); err != nil {
					return nil, fmt.Errorf("link chunk to section: %w", err)
				}
			}
		}

		return nil, nil
	})

	return err
}

// Purge removes every node of a collection, or of all collections when
// collection is empty. Orphaned Source nodes are removed as well.
func Purge(ctx context.Context, driver neo4j.DriverWithContext, collection string) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	queries := []string{
		`MATCH (d:Document) WHERE $collection = '' OR d.collection = $collection
		 OPTIONAL MATCH (d)-[:HAS_SECTION]->(s:Section)
		 OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:Chunk)
		 DETACH DELETE s, c, d`,
		`MATCH (s:Source) WHERE NOT (s)<-[:FROM_SOURCE]-(:Document) DETACH DELETE s`,
	}

	for _, query := range queries {
		result, err := session.Run(ctx, query, map[string]any{"collection": collection})
		if err != nil {
			return err
		}
		if _, err := result.Consume(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Syncer adapts SyncDocument to the ingestion graph hook.
type Syncer struct {
	driver     neo4j.DriverWithContext
	collection string
	logger     logrus.FieldLogger
}

func NewSyncer(driver neo4j.DriverWithContext, collection string, logger logrus.FieldLogger) *Syncer {
	return &Syncer{driver: driver, collection: collection, logger: logging.OrDefault(logger)}
}

// Sync writes each document in its own transaction and reports the first
// failure after attempting all of them.
func (s *Syncer) Sync(ctx context.Context, chunks []content.Chunk) error {
	var firstErr error
	for _, doc := range DocumentsFromChunks(s.collection, chunks) {
		if err := SyncDocument(ctx, s.driver, doc); err != nil {
			s.logger.WithError(err).WithField("document", doc.Name).Warn("graph sync failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("sync %s: %w", doc.Name, err)
			}
		}
	}
	return firstErr
}
