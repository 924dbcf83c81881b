package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FileStore journals records as JSONL files under one directory, one file
// per record kind. Appends are flushed and fsynced per line. Trade state is
// kept append-only too: closing a trade appends the updated row and replay
// keeps the newest version per id.
type FileStore struct {
	dir    string
	logger zerolog.Logger

	mu        sync.Mutex
	files     map[string]*os.File
	orderKeys map[string]bool
	trades    map[string]*TradeRecord
	tradeIDs  []string
	decisions []DecisionRecord
	state     *EngineState
}

const (
	fileDecisions = "decisions.jsonl"
	fileOrders    = "orders.jsonl"
	fileFills     = "fills.jsonl"
	fileSnapshots = "snapshots.jsonl"
	fileTrades    = "trades.jsonl"
	fileState     = "engine_state.json"
)

// NewFileStore opens (or creates) the journal directory and replays the
// existing journals to rebuild the idempotency index and trade state.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	s := &FileStore{
		dir:       dir,
		logger:    logger,
		files:     make(map[string]*os.File),
		orderKeys: make(map[string]bool),
		trades:    make(map[string]*TradeRecord),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	for _, name := range []string{fileDecisions, fileOrders, fileFills, fileSnapshots, fileTrades} {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open journal %s: %w", name, err)
		}
		s.files[name] = f
	}
	logger.Info().Str("dir", dir).
		Int("order_keys", len(s.orderKeys)).
		Int("trades", len(s.trades)).
		Msg("file history store opened")
	return s, nil
}

func (s *FileStore) replay() error {
	if err := s.replayFile(fileOrders, func(line []byte) error {
		var rec OrderRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		if rec.Status != OrderSkipped && rec.IdempotencyKey != "" {
			s.orderKeys[rec.IdempotencyKey] = true
		}
		return nil
	}); err != nil {
		return err
	}
	if err := s.replayFile(fileTrades, func(line []byte) error {
		var rec TradeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		if _, seen := s.trades[rec.ID]; !seen {
			s.tradeIDs = append(s.tradeIDs, rec.ID)
		}
		copied := rec
		s.trades[rec.ID] = &copied
		return nil
	}); err != nil {
		return err
	}
	if err := s.replayFile(fileDecisions, func(line []byte) error {
		var rec DecisionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		s.decisions = append(s.decisions, rec)
		return nil
	}); err != nil {
		return err
	}

	payload, err := os.ReadFile(filepath.Join(s.dir, fileState))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read engine state: %w", err)
	}
	var st EngineState
	if err := json.Unmarshal(payload, &st); err != nil {
		s.logger.Warn().Err(err).Msg("engine state file unreadable, ignored")
		return nil
	}
	s.state = &st
	return nil
}

func (s *FileStore) replayFile(name string, fn func([]byte) error) error {
	f, err := os.Open(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("replay %s: %w", name, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if err := fn(scanner.Bytes()); err != nil {
			// a torn trailing line is survivable, anything mid-file is not
			s.logger.Warn().Str("file", name).Int("line", line).Err(err).Msg("skipping corrupt journal line")
		}
	}
	return scanner.Err()
}

func (s *FileStore) appendLine(name string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", name, err)
	}
	f := s.files[name]
	if _, err := f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return f.Sync()
}

// AppendSet writes every present record, in the canonical order: decision,
// order, fill, snapshot, trade.
func (s *FileStore) AppendSet(ctx context.Context, set RecordSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if set.Decision != nil {
		if err := s.appendLine(fileDecisions, set.Decision); err != nil {
			return err
		}
		s.decisions = append(s.decisions, *set.Decision)
	}
	if set.Order != nil {
		set.Order.RequestedPrice = RoundPrice(set.Order.RequestedPrice)
		set.Order.Qty = RoundSize(set.Order.Qty)
		if err := s.appendLine(fileOrders, set.Order); err != nil {
			return err
		}
		if set.Order.Status != OrderSkipped && set.Order.IdempotencyKey != "" {
			s.orderKeys[set.Order.IdempotencyKey] = true
		}
	}
	if set.Fill != nil {
		set.Fill.AvgPrice = RoundPrice(set.Fill.AvgPrice)
		set.Fill.Qty = RoundSize(set.Fill.Qty)
		if err := s.appendLine(fileFills, set.Fill); err != nil {
			return err
		}
	}
	if set.Snapshot != nil {
		if err := s.appendLine(fileSnapshots, set.Snapshot); err != nil {
			return err
		}
	}
	if set.Trade != nil {
		set.Trade.EntryPrice = RoundPrice(set.Trade.EntryPrice)
		set.Trade.Qty = RoundSize(set.Trade.Qty)
		if err := s.appendLine(fileTrades, set.Trade); err != nil {
			return err
		}
		if _, seen := s.trades[set.Trade.ID]; !seen {
			s.tradeIDs = append(s.tradeIDs, set.Trade.ID)
		}
		copied := *set.Trade
		s.trades[set.Trade.ID] = &copied
	}
	return nil
}

// AppendSnapshot writes one snapshot row.
func (s *FileStore) AppendSnapshot(ctx context.Context, snap SnapshotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLine(fileSnapshots, snap)
}

// CloseTrade appends the closed version of the trade row.
func (s *FileStore) CloseTrade(ctx context.Context, close TradeClose) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.trades[close.TradeID]
	if !ok {
		return fmt.Errorf("close trade %s: not found", close.TradeID)
	}
	updated := *existing
	ts := close.TsClose
	exitPrice := RoundPrice(close.ExitPrice)
	pnlAbs, pnlPct := close.PnLAbs, close.PnLPct
	updated.TsClose = &ts
	updated.ExitPrice = &exitPrice
	updated.PnLAbs = &pnlAbs
	updated.PnLPct = &pnlPct
	updated.ExitReason = close.Reason
	updated.RMultiple = close.RMultiple
	updated.Fee += close.Fee
	updated.Status = TradeClosed

	if err := s.appendLine(fileTrades, &updated); err != nil {
		return err
	}
	s.trades[close.TradeID] = &updated
	return nil
}

// SaveEngineState rewrites the singleton state file. Latest write wins; a
// temp file plus rename keeps a crash from leaving a torn snapshot.
func (s *FileStore) SaveEngineState(ctx context.Context, state EngineState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal engine state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := filepath.Join(s.dir, fileState+".tmp")
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write engine state: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, fileState)); err != nil {
		return fmt.Errorf("commit engine state: %w", err)
	}
	copied := state
	s.state = &copied
	return nil
}

// LoadEngineState returns the replayed state, or nil when none was saved.
func (s *FileStore) LoadEngineState(ctx context.Context) (*EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	copied := *s.state
	return &copied, nil
}

// HasOrderKey reports whether a non-SKIPPED order with the key was journaled.
func (s *FileStore) HasOrderKey(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderKeys[key], nil
}

// RecentTrades returns up to limit trades, newest first.
func (s *FileStore) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TradeRecord, 0, len(s.tradeIDs))
	for i := len(s.tradeIDs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.trades[s.tradeIDs[i]])
	}
	return out, nil
}

// RecentDecisions returns up to limit decisions, newest first.
func (s *FileStore) RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DecisionRecord, 0, limit)
	for i := len(s.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.decisions[i])
	}
	return out, nil
}

// ClosedTradesSince returns trades closed at or after since, oldest first.
func (s *FileStore) ClosedTradesSince(ctx context.Context, since time.Time) ([]TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TradeRecord
	for _, id := range s.tradeIDs {
		t := s.trades[id]
		if t.Status == TradeClosed && t.TsClose != nil && !t.TsClose.Before(since) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TsClose.Before(*out[j].TsClose) })
	return out, nil
}

// OpenTrades returns all OPEN trades, oldest first.
func (s *FileStore) OpenTrades(ctx context.Context) ([]TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TradeRecord
	for _, id := range s.tradeIDs {
		if t := s.trades[id]; t.Status == TradeOpen {
			out = append(out, *t)
		}
	}
	return out, nil
}

// Close closes every journal file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.files = make(map[string]*os.File)
	return firstErr
}
