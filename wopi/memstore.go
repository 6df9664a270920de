package wopi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemDocStore is a process-local document store. It is the default
// backend for development and tests, and the reference for the store
// contract: an external backend only has to reproduce this behaviour.
type MemDocStore struct {
	m    sync.RWMutex
	docs map[string]*memDoc
}

type memDoc struct {
	name     string
	content  []byte
	owner    string
	revision int64
	modified time.Time
}

func NewMemDocStore() *MemDocStore {
	return &MemDocStore{
		docs: make(map[string]*memDoc),
	}
}

func (s *MemDocStore) Get(_ context.Context, fileID string) (*Document, error) {
	s.m.RLock()
	defer s.m.RUnlock()

	d, ok := s.docs[fileID]
	if !ok {
		return nil, DocStoreErrorf(ErrCodeNotFound,
			"document %s doesn't exist", fileID)
	}

	return d.document(fileID), nil
}

func (s *MemDocStore) Put(
	_ context.Context, fileID string, content []byte,
) (*Document, error) {
	s.m.Lock()
	defer s.m.Unlock()

	d, ok := s.docs[fileID]
	if !ok {
		return nil, DocStoreErrorf(ErrCodeNotFound,
			"document %s doesn't exist", fileID)
	}

	d.content = append([]byte(nil), content...)
	d.revision++
	d.modified = time.Now()

	return d.document(fileID), nil
}

func (s *MemDocStore) Create(
	_ context.Context, name string, content []byte, owner string,
) (*Document, error) {
	if name == "" {
		return nil, DocStoreErrorf(ErrCodeBadRequest,
			"documents must have a name")
	}

	s.m.Lock()
	defer s.m.Unlock()

	id := uuid.NewString()

	d := memDoc{
		name:     name,
		content:  append([]byte(nil), content...),
		owner:    owner,
		revision: 1,
		modified: time.Now(),
	}

	s.docs[id] = &d

	return d.document(id), nil
}

func (s *MemDocStore) Rename(
	_ context.Context, fileID string, name string,
) (*Document, error) {
	if name == "" {
		return nil, DocStoreErrorf(ErrCodeBadRequest,
			"documents must have a name")
	}

	s.m.Lock()
	defer s.m.Unlock()

	d, ok := s.docs[fileID]
	if !ok {
		return nil, DocStoreErrorf(ErrCodeNotFound,
			"document %s doesn't exist", fileID)
	}

	d.name = name
	d.revision++
	d.modified = time.Now()

	return d.document(fileID), nil
}

// SeedDirectory loads every regular file in dir as a document owned by
// owner. Used to pre-populate the store with sample documents at
// startup.
func (s *MemDocStore) SeedDirectory(
	ctx context.Context, dir string, owner string,
) ([]*Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read seed directory: %w", err)
	}

	var docs []*Document

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf(
				"read seed file %q: %w", entry.Name(), err)
		}

		doc, err := s.Create(ctx, entry.Name(), data, owner)
		if err != nil {
			return nil, fmt.Errorf(
				"create document from %q: %w", entry.Name(), err)
		}

		docs = append(docs, doc)
	}

	return docs, nil
}

func (d *memDoc) document(id string) *Document {
	return &Document{
		ID:       id,
		Name:     d.name,
		Content:  append([]byte(nil), d.content...),
		Size:     int64(len(d.content)),
		Version:  strconv.FormatInt(d.revision, 10),
		Modified: d.modified,
		Owner:    d.owner,
	}
}

// Interface guard.
var _ DocStore = &MemDocStore{}
