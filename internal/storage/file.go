package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "notifyd/pkg/logx"
)

// fileStore is the dependency-free backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.active.snapshot.json (periodic snapshot)
//   - <prefix>.active.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditPath string
	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	active       map[activeKey]ActiveRecord

	writes       int
	compactEvery int
}

type journalRecord struct {
	Op     string        `json:"op"` // put | del
	Record *ActiveRecord `json:"record,omitempty"`
	Tag    string        `json:"tag,omitempty"`
	ID     int           `json:"id,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".active.snapshot.json"
	journalPath := prefix + ".active.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	active := map[activeKey]ActiveRecord{}
	if err := loadSnapshot(snapPath, active); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("active snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, active); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("active journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		auditPath:    auditPath,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		active:       active,
		compactEvery: 500,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) PutActive(_ context.Context, r ActiveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.active[activeKey{r.Tag, r.ID}] = r
	return s.journalLocked(journalRecord{Op: "put", Record: &r})
}

func (s *fileStore) DeleteActive(_ context.Context, tag string, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	k := activeKey{tag, id}
	if _, ok := s.active[k]; !ok {
		return nil
	}
	delete(s.active, k)
	return s.journalLocked(journalRecord{Op: "del", Tag: tag, ID: id})
}

func (s *fileStore) ClearActive(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.active = map[activeKey]ActiveRecord{}
	return s.compactLocked()
}

func (s *fileStore) ListActive(_ context.Context) ([]ActiveRecord, error) {
	s.mu.Lock()
	out := make([]ActiveRecord, 0, len(s.active))
	for _, r := range s.active {
		out = append(out, r)
	}
	s.mu.Unlock()
	sortActive(out)
	return out, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// RecentAudit returns up to limit entries, newest last.
func (s *fileStore) RecentAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	path := s.auditPath
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	}
	return out, sc.Err()
}

func (s *fileStore) journalLocked(rec journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("active compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	recs := make([]ActiveRecord, 0, len(s.active))
	for _, r := range s.active {
		recs = append(recs, r)
	}
	sortActive(recs)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[activeKey]ActiveRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []ActiveRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, r := range recs {
		out[activeKey{r.Tag, r.ID}] = r
	}
	return nil
}

func replayJournal(path string, out map[activeKey]ActiveRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final line after a crash is expected.
			continue
		}
		switch r.Op {
		case "put":
			if r.Record != nil {
				out[activeKey{r.Record.Tag, r.Record.ID}] = *r.Record
			}
		case "del":
			delete(out, activeKey{r.Tag, r.ID})
		}
	}
	return sc.Err()
}

func sortActive(recs []ActiveRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].PostedAt.Equal(recs[j].PostedAt) {
			return recs[i].PostedAt.Before(recs[j].PostedAt)
		}
		if recs[i].Tag != recs[j].Tag {
			return recs[i].Tag < recs[j].Tag
		}
		return recs[i].ID < recs[j].ID
	})
}
