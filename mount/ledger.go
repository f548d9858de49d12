package mount

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-memdb"
)

// Kind is the role a mount plays in the prepared tree.
type Kind string

const (
	KindRoot Kind = "root"
	KindEFI  Kind = "efi"
	KindBind Kind = "bind"
)

// Entry is one mount made by the orchestrator.
type Entry struct {
	// Seq increases with every mount and fixes teardown order.
	Seq    uint64
	Kind   Kind
	Source string
	Target string
}

const ledgerTable = "mounts"

var ledgerSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		ledgerTable: {
			Name: ledgerTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.UintFieldIndex{Field: "Seq"},
				},
				"target": {
					Name:    "target",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Target"},
				},
				"kind": {
					Name:    "kind",
					Indexer: &memdb.StringFieldIndex{Field: "Kind"},
				},
			},
		},
	},
}

// Ledger remembers the mounts that are currently in place, in the order
// they were made.
type Ledger struct {
	db  *memdb.MemDB
	mu  sync.Mutex
	seq uint64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	db, err := memdb.NewMemDB(ledgerSchema)
	if err != nil {
		// The schema is static; failure here is a programming error.
		panic(fmt.Sprintf("invalid mount ledger schema: %v", err))
	}
	return &Ledger{db: db}
}

// Add records a new mount and returns it with its sequence number.
func (l *Ledger) Add(kind Kind, source, target string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e := Entry{Seq: l.seq, Kind: kind, Source: source, Target: target}
	if err := l.insert(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Restore re-inserts entries recorded by a previous process, keeping their
// sequence numbers.
func (l *Ledger) Restore(entries ...Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range entries {
		if err := l.insert(e); err != nil {
			return err
		}
		if e.Seq > l.seq {
			l.seq = e.Seq
		}
	}
	return nil
}

func (l *Ledger) insert(e Entry) error {
	txn := l.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(ledgerTable, "target", e.Target)
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", e.Target, err)
	}
	if existing != nil {
		return fmt.Errorf("%s is already recorded as mounted", e.Target)
	}
	if err := txn.Insert(ledgerTable, &e); err != nil {
		return fmt.Errorf("failed to record mount %s: %w", e.Target, err)
	}
	txn.Commit()
	return nil
}

// Remove forgets the mount at target. Unknown targets are ignored.
func (l *Ledger) Remove(target string) {
	txn := l.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(ledgerTable, "target", target)
	if err != nil || raw == nil {
		return
	}
	if err := txn.Delete(ledgerTable, raw); err != nil {
		return
	}
	txn.Commit()
}

// Get returns the entry for target.
func (l *Ledger) Get(target string) (Entry, bool) {
	txn := l.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(ledgerTable, "target", target)
	if err != nil || raw == nil {
		return Entry{}, false
	}
	return *raw.(*Entry), true
}

// Entries returns every recorded mount in mount order.
func (l *Ledger) Entries() []Entry {
	return l.collect(false, "")
}

// Reverse returns every recorded mount, most recent first.
func (l *Ledger) Reverse() []Entry {
	return l.collect(true, "")
}

// ReverseOf returns mounts of one kind, most recent first.
func (l *Ledger) ReverseOf(kind Kind) []Entry {
	return l.collect(true, kind)
}

// Len returns the number of recorded mounts.
func (l *Ledger) Len() int {
	return len(l.Entries())
}

func (l *Ledger) collect(reverse bool, kind Kind) []Entry {
	txn := l.db.Txn(false)
	defer txn.Abort()

	var (
		it  memdb.ResultIterator
		err error
	)
	if reverse {
		it, err = txn.GetReverse(ledgerTable, "id")
	} else {
		it, err = txn.Get(ledgerTable, "id")
	}
	if err != nil {
		return nil
	}

	var out []Entry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		e := *raw.(*Entry)
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, e)
	}
	return out
}
