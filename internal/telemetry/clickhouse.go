package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second

	insertQuery = `INSERT INTO usage_events (
		request_id, project_id, timestamp, endpoint, provider, model,
		tokens_in, tokens_out, cost_usd, potential_cost_usd,
		cached, coalesced, replayed, cache_similarity,
		latency_ms, status, error_kind
	)`
)

// ClickHouseSink batches usage events and inserts them asynchronously into
// the columnar store. Events are written to an internal buffered channel and
// flushed by a background goroutine, so emission never blocks the proxy hot
// path. When the channel fills up new events are dropped and counted.
type ClickHouseSink struct {
	conn driver.Conn
	log  *slog.Logger

	ch        chan UsageEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64
}

// NewClickHouseSink connects to ClickHouse at addr (host:port) and starts
// the flush loop. The usage_events table must exist; see schema.sql.
func NewClickHouseSink(ctx context.Context, addr, database, username, password string, log *slog.Logger) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("telemetry: clickhouse ping: %w", err)
	}

	s := &ClickHouseSink{
		conn: conn,
		log:  log,
		ch:   make(chan UsageEvent, channelBuffer),
		done: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run(ctx)

	return s, nil
}

// Emit implements Sink. Never blocks; full buffers drop.
func (s *ClickHouseSink) Emit(e UsageEvent) {
	select {
	case s.ch <- e:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// Dropped returns the number of events lost to backpressure.
func (s *ClickHouseSink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close drains the buffer, flushes the final batch, and closes the
// connection.
func (s *ClickHouseSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.conn.Close()
}

func (s *ClickHouseSink) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]UsageEvent, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insert(ctx, batch); err != nil {
			atomic.AddInt64(&s.dropped, int64(len(batch)))
			s.log.Warn("telemetry_flush_error",
				slog.Int("events", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.done:
			for {
				select {
				case e := <-s.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *ClickHouseSink) insert(ctx context.Context, events []UsageEvent) error {
	insertCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	batch, err := s.conn.PrepareBatch(insertCtx, insertQuery)
	if err != nil {
		return err
	}

	for _, e := range events {
		// Absent similarity is stored as -1 so misses are distinguishable
		// from a measured zero.
		sim := -1.0
		if e.CacheSimilarity != nil {
			sim = *e.CacheSimilarity
		}
		if err := batch.Append(
			e.RequestID,
			e.ProjectID,
			e.Timestamp,
			e.Endpoint,
			e.Provider,
			e.Model,
			uint32(e.TokensIn),
			uint32(e.TokensOut),
			e.CostUSD,
			e.PotentialCostUSD,
			e.Cached,
			e.Coalesced,
			e.Replayed,
			sim,
			uint32(e.LatencyMs),
			uint16(e.Status),
			e.ErrorKind,
		); err != nil {
			return err
		}
	}

	return batch.Send()
}
