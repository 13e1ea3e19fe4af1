package document

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"copilotd/text"
	"copilotd/types"
)

const shardCount = 32

// Document is an immutable snapshot of an open editor document
type Document struct {
	URI      string
	Text     *text.Buffer
	Version  int
	Language string
}

// entry owns one document. mu serializes edits; current is read without locking.
type entry struct {
	mu      sync.Mutex
	current atomic.Pointer[Document]
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store holds the open documents. Edits to one document are serialized, while
// snapshot reads and work on unrelated documents proceed concurrently.
type Store struct {
	shards [shardCount]*shard
}

// NewStore creates an empty store
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(uri string) *shard {
	h := fnv.New32a()
	h.Write([]byte(uri))
	return s.shards[h.Sum32()%shardCount]
}

// lookup returns the current snapshot of uri. An entry is only ever inserted
// with its first document already stored; a nil snapshot is still treated as
// not open.
func (s *Store) lookup(uri string) (*entry, *Document, error) {
	sh := s.shardFor(uri)
	sh.mu.RLock()
	e, ok := sh.entries[uri]
	sh.mu.RUnlock()
	if ok {
		if doc := e.current.Load(); doc != nil {
			return e, doc, nil
		}
	}
	return nil, nil, fmt.Errorf("document %s: %w", uri, types.ErrNotFound)
}

// Open inserts the document, replacing any document already open under uri
func (s *Store) Open(uri, content string, version int, language string) Document {
	doc := &Document{
		URI:      uri,
		Text:     text.NewBuffer(content),
		Version:  version,
		Language: language,
	}

	sh := s.shardFor(uri)
	sh.mu.Lock()
	e, ok := sh.entries[uri]
	if !ok {
		// Publish the entry only once it holds a document
		e = &entry{}
		e.current.Store(doc)
		sh.entries[uri] = e
		sh.mu.Unlock()
		return *doc
	}
	sh.mu.Unlock()

	e.mu.Lock()
	e.current.Store(doc)
	e.mu.Unlock()
	return *doc
}

// ApplyFullEdit replaces the text and version of an open document and returns
// the snapshot it replaced. Versions are expected to increase; an older
// version is still applied, since the editor is the source of truth.
func (s *Store) ApplyFullEdit(uri, content string, version int) (Document, error) {
	e, _, err := s.lookup(uri)
	if err != nil {
		return Document{}, err
	}

	// Build outside the entry lock; only the swap is serialized
	buf := text.NewBuffer(content)

	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.current.Load()
	e.current.Store(&Document{
		URI:      uri,
		Text:     buf,
		Version:  version,
		Language: prev.Language,
	})
	return *prev, nil
}

// Snapshot returns the current state of the document
func (s *Store) Snapshot(uri string) (Document, error) {
	_, doc, err := s.lookup(uri)
	if err != nil {
		return Document{}, err
	}
	return *doc, nil
}

// Close removes the document. Closing an unknown document is a no-op.
func (s *Store) Close(uri string) bool {
	sh := s.shardFor(uri)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.entries[uri]
	delete(sh.entries, uri)
	return ok
}

// Len returns the number of open documents
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
