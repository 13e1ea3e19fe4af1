package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"copilotd/types"
)

const shardCount = 32

// Invalidation policies
const (
	PolicyDocument = "document" // any edit drops every entry of the document
	PolicyLines    = "lines"    // entries on unchanged lines survive an edit
)

// Entry is a cached completion result for one cursor line
type Entry struct {
	URI       string
	Line      int
	Character int
	Version   int
	Result    types.Result
}

// Options configure a Cache
type Options struct {
	TTL      time.Duration
	MaxLines uint64 // per document; zero means unbounded
	Policy   string
}

// partition holds the entries of one open document
type partition struct {
	mu      sync.Mutex
	version int
	lines   *ttlcache.Cache[int, *Entry]
}

type shard struct {
	mu    sync.RWMutex
	parts map[string]*partition
}

// Cache stores the last result per (document, line). Lookups only hit when the
// entry was captured at the document's current version.
type Cache struct {
	opts   Options
	shards [shardCount]*shard
}

func New(opts Options) *Cache {
	if opts.Policy == "" {
		opts.Policy = PolicyDocument
	}
	c := &Cache{opts: opts}
	for i := range c.shards {
		c.shards[i] = &shard{parts: make(map[string]*partition)}
	}
	return c
}

func (c *Cache) shardFor(uri string) *shard {
	h := fnv.New32a()
	h.Write([]byte(uri))
	return c.shards[h.Sum32()%shardCount]
}

func (c *Cache) newLines() *ttlcache.Cache[int, *Entry] {
	opts := []ttlcache.Option[int, *Entry]{
		ttlcache.WithDisableTouchOnHit[int, *Entry](),
	}
	if c.opts.TTL > 0 {
		opts = append(opts, ttlcache.WithTTL[int, *Entry](c.opts.TTL))
	}
	if c.opts.MaxLines > 0 {
		opts = append(opts, ttlcache.WithCapacity[int, *Entry](c.opts.MaxLines))
	}
	return ttlcache.New[int, *Entry](opts...)
}

func (c *Cache) partition(uri string) *partition {
	sh := c.shardFor(uri)
	sh.mu.RLock()
	p := sh.parts[uri]
	sh.mu.RUnlock()
	return p
}

// Open creates an empty partition for a newly opened document, discarding
// anything kept for an earlier open of the same uri
func (c *Cache) Open(uri string, version int) {
	sh := c.shardFor(uri)
	sh.mu.Lock()
	sh.parts[uri] = &partition{version: version, lines: c.newLines()}
	sh.mu.Unlock()
}

// Drop removes everything cached for a closed document
func (c *Cache) Drop(uri string) {
	sh := c.shardFor(uri)
	sh.mu.Lock()
	p, ok := sh.parts[uri]
	delete(sh.parts, uri)
	sh.mu.Unlock()
	if ok {
		p.mu.Lock()
		p.lines.DeleteAll()
		p.mu.Unlock()
	}
}

// Get returns the entry for line if it was captured at currentVersion
func (c *Cache) Get(uri string, line, currentVersion int) (*Entry, bool) {
	p := c.partition(uri)
	if p == nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	item := p.lines.Get(line)
	if item == nil {
		return nil, false
	}
	entry := item.Value()
	if entry.Version != currentVersion {
		return nil, false
	}
	return entry, true
}

// Put stores a result captured at version. Results for closed documents and
// for versions older than the last edit are discarded.
func (c *Cache) Put(uri string, pos types.Position, result types.Result, version int) bool {
	p := c.partition(uri)
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if version < p.version {
		return false
	}
	p.lines.Set(pos.Line, &Entry{
		URI:       uri,
		Line:      pos.Line,
		Character: pos.Character,
		Version:   version,
		Result:    result,
	}, ttlcache.DefaultTTL)
	return true
}

// Invalidate applies the invalidation policy for an edit from oldText to
// newText that produced newVersion
func (c *Cache) Invalidate(uri, oldText, newText string, newVersion int) {
	p := c.partition(uri)
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.version = newVersion
	if c.opts.Policy != PolicyLines {
		p.lines.DeleteAll()
		return
	}

	items := p.lines.Items()
	p.lines.DeleteAll()
	if len(items) == 0 || oldText == newText {
		for line, item := range items {
			if !item.IsExpired() {
				p.lines.Set(line, rebase(item.Value(), line, newVersion), ttlcache.DefaultTTL)
			}
		}
		return
	}

	moved := mapUnchangedLines(oldText, newText)
	for line, item := range items {
		if item.IsExpired() {
			continue
		}
		newLine, ok := moved[line]
		if !ok {
			continue
		}
		p.lines.Set(newLine, rebase(item.Value(), newLine, newVersion), ttlcache.DefaultTTL)
	}
}

// Len returns the number of live entries for uri
func (c *Cache) Len(uri string) int {
	p := c.partition(uri)
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lines.Len()
}

// rebase moves an entry to a new line and version, rewriting candidate positions
func rebase(e *Entry, line, version int) *Entry {
	out := *e
	out.Line = line
	out.Version = version
	if line == e.Line {
		return &out
	}

	candidates := make([]types.Candidate, len(e.Result.Candidates))
	for i, cand := range e.Result.Candidates {
		cand.Range.Start.Line = line
		cand.Range.End.Line = line
		cand.Position.Line = line
		candidates[i] = cand
	}
	out.Result = types.Completed(candidates)
	return &out
}
