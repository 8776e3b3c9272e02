// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-engine/internal/enginerr"
	"github.com/ClusterCockpit/cc-engine/internal/model"
	"github.com/jmoiron/sqlx"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	flushInterval    = 1 * time.Second
	flushBatchCap    = 1000
	queueCapFactor   = 2
	shutdownFlushCap = 10 * time.Second
	flushOpenTimeout = 30 * time.Second
	flushCmdTimeout  = 60 * time.Second

	// historyTimeLayout stores UTC timestamps as ISO-8601 text with a
	// fixed-width, zero-padded nanosecond fraction so lexicographic
	// ordering over the TEXT column matches chronological ordering.
	historyTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

type pendingRecord struct {
	connID, tagID string
	value         model.TagValue
}

// Store buffers tag readings and flushes them to SQLite in batches. Writes
// never block the poller: WriteAsync drops the oldest queued record rather
// than apply backpressure once the queue reaches twice its batch capacity.
type Store struct {
	db    *sqlx.DB
	queue chan pendingRecord

	overflowLog *lumberjack.Logger

	mu       sync.Mutex
	dropped  int64

	done chan struct{}
	wg   sync.WaitGroup
}

// Open connects to the SQLite database at dbPath and starts the background
// flush loop. overflowLogPath, if non-empty, receives a line per dropped
// record via a size-rotated lumberjack logger for post-incident diagnosis.
func Open(dbPath, overflowLogPath string) (*Store, error) {
	db, err := connect(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:    db,
		queue: make(chan pendingRecord, flushBatchCap*queueCapFactor),
		done:  make(chan struct{}),
	}

	if overflowLogPath != "" {
		s.overflowLog = &lumberjack.Logger{
			Filename:   overflowLogPath,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		}
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s, nil
}

// WriteAsync enqueues one reading for batched persistence. When the queue
// is full the oldest pending record is dropped (enginerr.Overload) so the
// poller is never slowed by the history subsystem.
func (s *Store) WriteAsync(connID, tagID string, v model.TagValue) {
	rec := pendingRecord{connID: connID, tagID: tagID, value: v}
	select {
	case s.queue <- rec:
	default:
		select {
		case <-s.queue:
			s.recordDrop(connID, tagID)
			cclog.Warnf("%v: history queue full, dropping oldest record", enginerr.Overload)
		default:
		}
		s.queue <- rec
	}
}

// recordDrop accounts for one lost record, visible via DroppedRecords, and
// appends a line to the overflow log if one is configured.
func (s *Store) recordDrop(connID, tagID string) {
	s.mu.Lock()
	s.dropped++
	n := s.dropped
	s.mu.Unlock()
	if s.overflowLog != nil {
		fmt.Fprintf(s.overflowLog, "%s dropped record for %s/%s (total dropped: %d)\n",
			time.Now().UTC().Format(time.RFC3339), connID, tagID, n)
	}
}

// DroppedRecords returns the running count of records lost to either a full
// write queue or a flush that timed out and could not be re-queued.
func (s *Store) DroppedRecords() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]pendingRecord, 0, flushBatchCap)
	for {
		select {
		case rec := <-s.queue:
			batch = append(batch, rec)
			if len(batch) >= flushBatchCap {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			s.drain(batch)
			return
		}
	}
}

// drain performs one final synchronous flush of whatever is buffered or
// still queued, bounded by shutdownFlushCap.
func (s *Store) drain(batch []pendingRecord) {
	deadline := time.After(shutdownFlushCap)
	for {
		select {
		case rec := <-s.queue:
			batch = append(batch, rec)
			if len(batch) >= flushBatchCap {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-deadline:
			s.flush(batch)
			return
		default:
			s.flush(batch)
			return
		}
	}
}

// flush writes batch inside one transaction, bounded by a 30s timeout to
// obtain the database connection and a 60s timeout to begin the
// transaction, run the inserts and commit. A
// timeout re-queues whatever didn't make it in, best-effort, dropping
// anything that no longer fits under the queue's 2x cap; any other error
// is logged and the batch is not retried.
func (s *Store) flush(batch []pendingRecord) {
	if len(batch) == 0 {
		return
	}

	openCtx, cancelOpen := context.WithTimeout(context.Background(), flushOpenTimeout)
	defer cancelOpen()

	conn, err := s.db.Conn(openCtx)
	if err != nil {
		cclog.Errorf("%v: opening flush transaction: %v", enginerr.Transient, err)
		if errors.Is(openCtx.Err(), context.DeadlineExceeded) {
			s.requeue(batch)
		}
		return
	}
	defer conn.Close()

	cmdCtx, cancelCmd := context.WithTimeout(context.Background(), flushCmdTimeout)
	defer cancelCmd()

	// The transaction is bound to cmdCtx, not openCtx: database/sql rolls a
	// transaction back when its context ends.
	tx, err := conn.BeginTx(cmdCtx, nil)
	if err != nil {
		cclog.Errorf("%v: opening flush transaction: %v", enginerr.Transient, err)
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			s.requeue(batch)
		}
		return
	}

	stmt, err := tx.PrepareContext(cmdCtx, `INSERT INTO tag_history
		(connection_id, tag_id, value, quality, timestamp) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		cclog.Errorf("%v: preparing flush statement: %v", enginerr.Transient, err)
		tx.Rollback()
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			s.requeue(batch)
		}
		return
	}

	var timedOut []pendingRecord
	for _, rec := range batch {
		payload, err := json.Marshal(rec.value.Value)
		if err != nil {
			cclog.Warnf("history: marshaling value for %s/%s: %v", rec.connID, rec.tagID, err)
			continue
		}
		ts := rec.value.Timestamp.UTC().Format(historyTimeLayout)
		if _, err := stmt.ExecContext(cmdCtx, rec.connID, rec.tagID, string(payload), int(rec.value.Quality), ts); err != nil {
			if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
				timedOut = append(timedOut, rec)
				continue
			}
			cclog.Warnf("history: inserting record for %s/%s: %v", rec.connID, rec.tagID, err)
		}
	}

	stmt.Close()
	if err := tx.Commit(); err != nil {
		cclog.Errorf("%v: committing flush of %d records: %v", enginerr.Transient, len(batch), err)
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			s.requeue(batch)
		}
		return
	}

	if len(timedOut) > 0 {
		s.requeue(timedOut)
	}
}

// requeue makes a best-effort attempt to put records that missed a timed-out
// flush back on the queue for the next tick to retry, dropping whatever
// doesn't fit under the queue's 2x cap rather than blocking the flush loop.
func (s *Store) requeue(batch []pendingRecord) {
	for _, rec := range batch {
		select {
		case s.queue <- rec:
		default:
			s.recordDrop(rec.connID, rec.tagID)
		}
	}
}

// Record is one stored reading returned from Range/Latest.
type Record struct {
	Value     json.RawMessage `json:"value"`
	Quality   int             `json:"quality"`
	Timestamp time.Time       `json:"timestamp"`
}

// Range returns readings for one tag between from and to (inclusive), most
// recent last.
func (s *Store) Range(ctx context.Context, connID, tagID string, from, to time.Time) ([]Record, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT value, quality, timestamp FROM tag_history
		WHERE connection_id = ? AND tag_id = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp ASC`, connID, tagID, from.UTC().Format(historyTimeLayout), to.UTC().Format(historyTimeLayout))
	if err != nil {
		return nil, fmt.Errorf("%w: querying history range: %v", enginerr.Transient, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Latest returns the most recent n readings for one tag, oldest first.
func (s *Store) Latest(ctx context.Context, connID, tagID string, n int) ([]Record, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT value, quality, timestamp FROM (
		SELECT value, quality, timestamp FROM tag_history
		WHERE connection_id = ? AND tag_id = ?
		ORDER BY timestamp DESC LIMIT ?) ORDER BY timestamp ASC`, connID, tagID, n)
	if err != nil {
		return nil, fmt.Errorf("%w: querying latest history: %v", enginerr.Transient, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sqlx.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var value string
		var quality int
		var ts string
		if err := rows.Scan(&value, &quality, &ts); err != nil {
			return nil, fmt.Errorf("%w: scanning history row: %v", enginerr.Transient, err)
		}
		parsed, err := time.Parse(historyTimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing stored timestamp %q: %v", enginerr.Transient, ts, err)
		}
		out = append(out, Record{
			Value:     json.RawMessage(value),
			Quality:   quality,
			Timestamp: parsed,
		})
	}
	return out, rows.Err()
}

// CleanupAsync deletes readings older than olderThan in the background,
// logging but not returning errors since it runs off a scheduler tick.
func (s *Store) CleanupAsync(olderThan time.Time) {
	go func() {
		res, err := s.db.Exec(`DELETE FROM tag_history WHERE timestamp < ?`, olderThan.UTC().Format(historyTimeLayout))
		if err != nil {
			cclog.Errorf("history: retention cleanup: %v", err)
			return
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			cclog.Infof("history: retention cleanup removed %d rows older than %s", n, olderThan.Format(time.RFC3339))
		}
	}()
}

// IsHealthy satisfies health.Reporter: the store is healthy as long as the
// database responds to a ping.
func (s *Store) IsHealthy() bool {
	return s.db.Ping() == nil
}

// Close stops the flush loop (performing one final synchronous flush) and
// closes the database handle.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	if n := s.DroppedRecords(); n > 0 {
		cclog.Warnf("history: shutting down with %d dropped records", n)
	}
	if s.overflowLog != nil {
		s.overflowLog.Close()
	}
	return s.db.Close()
}
