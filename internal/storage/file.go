package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"postwave/internal/model"
	logx "postwave/pkg/logx"
)

// fileStore is the memory store made durable with two files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only, one record per write)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on Close.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
}

const compactEvery = 500

// record is one journal line. Exactly one field is set.
type record struct {
	Post    *model.Post    `json:"post,omitempty"`
	Account *accountRecord `json:"account,omitempty"`
}

// accountRecord persists the token that model.Account hides from JSON.
type accountRecord struct {
	model.Account
	Token string `json:"access_token,omitempty"`
}

func accountRecordOf(a model.Account) *accountRecord {
	return &accountRecord{Account: a, Token: a.AccessToken}
}

func (r accountRecord) account() model.Account {
	a := r.Account
	a.AccessToken = r.Token
	return a
}

type snapshot struct {
	Posts    []model.Post    `json:"posts"`
	Accounts []accountRecord `json:"accounts"`
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

	mem := newMemStore()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{memStore: mem, log: log, snapshotPath: snapPath, journal: jf, writes: n}
	mem.onChange = s.append
	log.Info("file store opened", logx.Int("posts", len(mem.posts)), logx.Int("accounts", len(mem.accounts)), logx.Int("journal", n))
	return s, nil
}

// append runs under memStore.mu.
func (s *fileStore) append(rec record) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	s.closed = true
	return err
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{}
	for _, p := range s.posts {
		snap.Posts = append(snap.Posts, p)
	}
	for _, a := range s.accounts {
		snap.Accounts = append(snap.Accounts, *accountRecordOf(a))
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, into *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, p := range snap.Posts {
		into.posts[p.ID] = p
	}
	for _, a := range snap.Accounts {
		into.accounts[a.ID] = a.account()
	}
	return nil
}

// replayJournal applies journal records in order and returns how many it read.
// A torn last line from a crash is skipped.
func replayJournal(path string, into *memStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		var r record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch {
		case r.Post != nil && r.Post.ID != "":
			into.posts[r.Post.ID] = *r.Post
		case r.Account != nil && r.Account.ID != "":
			into.accounts[r.Account.ID] = r.Account.account()
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
