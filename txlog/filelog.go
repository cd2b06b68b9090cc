package txlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/EUDAT-DTR/DTR-sub002/core"
)

// fileEntry is one line of a JSON-lines transaction log file.
type fileEntry struct {
	Timestamp int64  `json:"timestamp"`
	ObjectID  string `json:"objectid,omitempty"`
	Action    string `json:"action"`
}

// FileLog reads an append-only JSON-lines transaction log maintained by
// the hosting repository. Appended lines are picked up on every read, so
// the sync engine's periodic cycle doubles as the poll; subscribers are
// notified with whatever a refresh discovers.
type FileLog struct {
	mu          sync.Mutex
	path        string
	offset      int64
	txs         []core.Transaction
	subscribers map[int]*Subscription
	nextSubID   int
	logger      *slog.Logger
}

// OpenFileLog opens the log file and reads its current contents. A missing
// file is an empty log; it may appear later.
func OpenFileLog(path string, logger *slog.Logger) (*FileLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &FileLog{
		path:        path,
		subscribers: make(map[int]*Subscription),
		logger:      logger.With("component", "FileLog"),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.refresh(); err != nil {
		return nil, err
	}
	return l, nil
}

// refresh reads lines appended since the last refresh. An unterminated
// tail is a write in progress and is left for the next refresh. Callers
// hold l.mu.
func (l *FileLog) refresh() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening transaction log %s: %w", l.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < l.offset {
		// The file was rewritten from scratch; read it all again.
		l.offset = 0
		l.txs = nil
	}
	if _, err := f.Seek(l.offset, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading transaction log %s: %w", l.path, err)
		}
		var entry fileEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return fmt.Errorf("parsing transaction log line at offset %d: %w", l.offset, err)
		}
		tx := core.Transaction{
			Timestamp: entry.Timestamp,
			ObjectID:  entry.ObjectID,
			Action:    parseAction(entry.Action),
		}
		l.txs = append(l.txs, tx)
		l.offset += int64(len(line))
		for _, s := range l.subscribers {
			select {
			case s.C <- tx:
			default: // slow subscriber, the periodic cycle will catch up
			}
		}
	}
}

// parseAction maps an action name to its enum value. Unknown names become
// comments: they advance the watermark but touch no document.
func parseAction(name string) core.Action {
	for a := core.ActionAddObject; a <= core.ActionComment; a++ {
		if a.String() == name {
			return a
		}
	}
	return core.ActionComment
}

func (l *FileLog) LastTimestamp() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.refresh(); err != nil {
		l.logger.Warn("Refreshing transaction log failed.", "error", err)
	}
	if len(l.txs) == 0 {
		return 0
	}
	return l.txs[len(l.txs)-1].Timestamp
}

// ScanFrom returns a cursor over transactions with timestamps strictly
// greater than ts. The cursor reads a stable copy of the matching suffix.
func (l *FileLog) ScanFrom(ts int64) (Cursor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.refresh(); err != nil {
		return nil, err
	}
	start := sort.Search(len(l.txs), func(i int) bool {
		return l.txs[i].Timestamp > ts
	})
	tail := make([]core.Transaction, len(l.txs)-start)
	copy(tail, l.txs[start:])
	return &sliceCursor{txs: tail}, nil
}

func (l *FileLog) Subscribe() *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSubID
	l.nextSubID++
	sub := &Subscription{C: make(chan core.Transaction, 64)}
	sub.cancel = func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subscribers[id]; ok {
			delete(l.subscribers, id)
			close(sub.C)
		}
	}
	l.subscribers[id] = sub
	return sub
}
