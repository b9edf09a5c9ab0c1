package outbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"postkeeper/internal/platform/logging"
)

const (
	opPut   = "put"
	opDel   = "del"
	opClear = "clear"

	maxJournalLine  = 1 << 20
	compactMinLines = 64
)

// journalRecord is one JSONL line. Put records carry the full post.
type journalRecord struct {
	Op                  string     `json:"op"`
	ID                  string     `json:"id,omitempty"`
	Text                string     `json:"text,omitempty"`
	CreatedAt           *time.Time `json:"createdAt,omitempty"`
	RetryCount          int        `json:"retryCount,omitempty"`
	NextEligibleRetryAt *time.Time `json:"nextEligibleRetryAt,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	Parked              bool       `json:"parked,omitempty"`
}

func recordFor(p QueuedPost) journalRecord {
	created, next := p.CreatedAt, p.NextEligibleRetryAt
	return journalRecord{
		Op:                  opPut,
		ID:                  p.ID,
		Text:                p.Text,
		CreatedAt:           &created,
		RetryCount:          p.RetryCount,
		NextEligibleRetryAt: &next,
		LastError:           p.LastError,
		Parked:              p.Parked,
	}
}

func (r journalRecord) post() QueuedPost {
	p := QueuedPost{ID: r.ID, Text: r.Text, RetryCount: r.RetryCount, LastError: r.LastError, Parked: r.Parked}
	if r.CreatedAt != nil {
		p.CreatedAt = *r.CreatedAt
	}
	if r.NextEligibleRetryAt != nil {
		p.NextEligibleRetryAt = *r.NextEligibleRetryAt
	}
	return p
}

// Journal is an append-only JSONL file. Replay is last-write-wins per id and
// skips lines that do not parse, such as a line torn by a crash. Every append
// is fsynced before it returns. The file is rewritten with only live records
// on open and whenever dead lines outnumber live ones.
type Journal struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	live   map[string]QueuedPost
	lines  int
	logger logging.Interface
	rename func(oldpath, newpath string) error
}

// OpenJournal opens or creates the journal at path and compacts it.
func OpenJournal(path string, logger logging.Interface) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("queue journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	j := &Journal{path: path, live: make(map[string]QueuedPost), logger: logging.OrDiscard(logger), rename: os.Rename}
	if err := j.replay(); err != nil {
		return nil, err
	}
	if err := j.compact(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) replay() error {
	f, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open queue journal: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)
	lineNo := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			j.apply(lineNo, bytes.TrimSpace(line))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read queue journal: %w", err)
		}
	}
}

func (j *Journal) apply(lineNo int, line []byte) {
	if len(line) == 0 {
		return
	}
	if len(line) > maxJournalLine {
		j.logger.Warn("queue journal line %d too long, skipping", lineNo)
		return
	}
	var rec journalRecord
	if err := sonic.Unmarshal(line, &rec); err != nil {
		j.logger.Warn("queue journal line %d unreadable, skipping: %v", lineNo, err)
		return
	}
	switch rec.Op {
	case opPut:
		if rec.ID == "" {
			return
		}
		j.live[rec.ID] = rec.post()
	case opDel:
		delete(j.live, rec.ID)
	case opClear:
		clear(j.live)
	default:
		j.logger.Warn("queue journal line %d has unknown op %q", lineNo, rec.Op)
	}
}

// compact rewrites the file with one put per live post. The compacted file
// is written through the handle that later serves appends, and that handle
// replaces the current one only once the rename has succeeded. On failure the
// current handle and file stay in use. Caller holds mu or has exclusive
// access.
func (j *Journal) compact() error {
	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("create compacted journal: %w", err)
	}
	discard := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}
	posts := j.snapshot()
	w := bufio.NewWriter(f)
	for _, p := range posts {
		line, err := sonic.Marshal(recordFor(p))
		if err != nil {
			return discard(err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return discard(fmt.Errorf("write compacted journal: %w", err))
	}
	if err := f.Sync(); err != nil {
		return discard(fmt.Errorf("sync compacted journal: %w", err))
	}
	if err := j.rename(tmp, j.path); err != nil {
		return discard(fmt.Errorf("replace queue journal: %w", err))
	}

	if j.file != nil {
		j.file.Close()
	}
	j.file = f
	j.lines = len(posts)
	return nil
}

func (j *Journal) snapshot() []QueuedPost {
	out := make([]QueuedPost, 0, len(j.live))
	for _, p := range j.live {
		out = append(out, p)
	}
	sortPosts(out)
	return out
}

func (j *Journal) append(rec journalRecord) error {
	line, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("append queue journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync queue journal: %w", err)
	}
	j.lines++
	return nil
}

func (j *Journal) maybeCompact() {
	if j.lines < compactMinLines || j.lines <= 2*len(j.live) {
		return
	}
	if err := j.compact(); err != nil {
		j.logger.Warn("queue journal compaction failed: %v", err)
	}
}

func (j *Journal) Load(context.Context) ([]QueuedPost, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshot(), nil
}

func (j *Journal) Put(_ context.Context, p QueuedPost) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.append(recordFor(p)); err != nil {
		return err
	}
	j.live[p.ID] = p
	return nil
}

func (j *Journal) Delete(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.append(journalRecord{Op: opDel, ID: id}); err != nil {
		return err
	}
	delete(j.live, id)
	j.maybeCompact()
	return nil
}

func (j *Journal) Clear(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.append(journalRecord{Op: opClear}); err != nil {
		return err
	}
	clear(j.live)
	j.maybeCompact()
	return nil
}

// Lines is the number of records currently in the file.
func (j *Journal) Lines() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lines
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
