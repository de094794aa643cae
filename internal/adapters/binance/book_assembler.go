package binance

import (
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/numeric"
)

// errBookGap reports a missing delta; the book must be re-seeded.
var errBookGap = errors.New("binance book assembler: sequence gap")

// bookRow is one level change. A zero size removes the level.
type bookRow struct {
	side  schema.Side
	price decimal.Decimal
	size  decimal.Decimal
}

func (r bookRow) removed() bool { return r.size.IsZero() }

type book struct {
	ready        bool
	synced       bool
	lastUpdateID int64
	pending      []*depthUpdate
	bids         map[string]bookRow
	asks         map[string]bookRow
}

func newBook() *book {
	return &book{bids: make(map[string]bookRow), asks: make(map[string]bookRow)}
}

// BookAssembler maintains per-symbol depth books from a REST snapshot plus
// websocket deltas. Deltas that arrive before the snapshot are buffered.
type BookAssembler struct {
	mu     sync.Mutex
	buffer int
	books  map[string]*book
}

// NewBookAssembler constructs an assembler buffering at most buffer deltas per
// symbol while waiting for a snapshot.
func NewBookAssembler(buffer int) *BookAssembler {
	if buffer <= 0 {
		buffer = defaultBookBuffer
	}
	return &BookAssembler{buffer: buffer, books: make(map[string]*book)}
}

func (a *BookAssembler) bookLocked(symbol string) *book {
	b, ok := a.books[symbol]
	if !ok {
		b = newBook()
		a.books[symbol] = b
	}
	return b
}

// ApplySnapshot replaces the book of symbol. It returns the full book, bids
// first by descending price then asks by ascending price, followed by the rows
// of buffered deltas newer than the snapshot.
func (a *BookAssembler) ApplySnapshot(snap *depthSnapshot) (levels, replay []bookRow, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.bookLocked(snap.Symbol)
	pending := b.pending
	fresh := newBook()
	fresh.ready = true
	fresh.lastUpdateID = snap.LastUpdateID
	a.books[snap.Symbol] = fresh

	for _, raw := range snap.Bids {
		if row, ok := parseRow(schema.SideBuy, raw); ok && !row.removed() {
			fresh.bids[row.price.String()] = row
		}
	}
	for _, raw := range snap.Asks {
		if row, ok := parseRow(schema.SideSell, raw); ok && !row.removed() {
			fresh.asks[row.price.String()] = row
		}
	}
	levels = append(sortedRows(fresh.bids, true), sortedRows(fresh.asks, false)...)

	for _, update := range pending {
		rows, err := fresh.apply(update)
		if errors.Is(err, errBookGap) {
			a.books[snap.Symbol] = newBook()
			return levels, replay, err
		}
		replay = append(replay, rows...)
	}
	return levels, replay, nil
}

// ApplyUpdate applies a delta. It returns nil rows while the snapshot is
// pending or when the delta is older than the book.
func (a *BookAssembler) ApplyUpdate(update *depthUpdate) ([]bookRow, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.bookLocked(update.Symbol)
	if !b.ready {
		if len(b.pending) >= a.buffer {
			b.pending = b.pending[1:]
		}
		b.pending = append(b.pending, update)
		return nil, nil
	}
	rows, err := b.apply(update)
	if errors.Is(err, errBookGap) {
		a.books[update.Symbol] = newBook()
	}
	return rows, err
}

// Ready reports whether symbol has a snapshot applied.
func (a *BookAssembler) Ready(symbol string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.books[symbol]
	return ok && b.ready
}

// Reset forgets every book.
func (a *BookAssembler) Reset() {
	a.mu.Lock()
	a.books = make(map[string]*book)
	a.mu.Unlock()
}

func (b *book) apply(update *depthUpdate) ([]bookRow, error) {
	if update.FinalUpdateID <= b.lastUpdateID {
		return nil, nil
	}
	if !b.synced {
		if update.FirstUpdateID > b.lastUpdateID+1 {
			return nil, errBookGap
		}
	} else if update.PrevUpdateID != b.lastUpdateID {
		return nil, errBookGap
	}
	b.synced = true
	b.lastUpdateID = update.FinalUpdateID

	rows := make([]bookRow, 0, len(update.Bids)+len(update.Asks))
	for _, raw := range update.Bids {
		if row, ok := parseRow(schema.SideBuy, raw); ok {
			rows = append(rows, upsert(b.bids, row))
		}
	}
	for _, raw := range update.Asks {
		if row, ok := parseRow(schema.SideSell, raw); ok {
			rows = append(rows, upsert(b.asks, row))
		}
	}
	return rows, nil
}

func upsert(side map[string]bookRow, row bookRow) bookRow {
	key := row.price.String()
	if row.removed() {
		delete(side, key)
	} else {
		side[key] = row
	}
	return row
}

func parseRow(side schema.Side, raw []string) (bookRow, bool) {
	if len(raw) < 2 {
		return bookRow{}, false
	}
	price, ok := numeric.Parse(raw[0])
	if !ok || !price.IsPositive() {
		return bookRow{}, false
	}
	size, ok := numeric.Parse(raw[1])
	if !ok || size.IsNegative() {
		return bookRow{}, false
	}
	return bookRow{side: side, price: price, size: size}, true
}

func sortedRows(levels map[string]bookRow, desc bool) []bookRow {
	out := make([]bookRow, 0, len(levels))
	for _, row := range levels {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].price.GreaterThan(out[j].price)
		}
		return out[i].price.LessThan(out[j].price)
	})
	return out
}
