package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/flowstream/eventcore/internal/circuitbreaker"
)

// Config holds the embedded event store's connection configuration. The
// store is a single sqlite file per durable object instance, so pooling
// exists mainly to bound concurrent writers rather than to spread load
// across a cluster.
type Config struct {
	Path            string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// Client manages the embedded store's sqlite connection and an async write
// queue used by the publisher so a slow fsync never blocks Publish callers.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	config *Config

	writeQueue chan WriteRequest
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// WriteRequest represents an async write operation against the embedded store.
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

type WriteType int

const (
	// WriteTypeEvent persists a single stored event row.
	WriteTypeEvent WriteType = iota
	// WriteTypeRetentionSweep deletes events older than the retention window.
	WriteTypeRetentionSweep
	// WriteTypeBatch groups several inner WriteRequests for a single transaction.
	WriteTypeBatch
)

// String returns the string representation of WriteType
func (wt WriteType) String() string {
	switch wt {
	case WriteTypeEvent:
		return "Event"
	case WriteTypeRetentionSweep:
		return "RetentionSweep"
	case WriteTypeBatch:
		return "Batch"
	default:
		return "Unknown"
	}
}

// NewClient opens the embedded store's sqlite file and starts its async
// write workers and background health check.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 4
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 2
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 30 * time.Minute
	}
	if config.Path == "" {
		config.Path = "eventcore.db"
	}

	// _journal_mode=WAL lets readers (resume/replay) proceed while a writer
	// appends; _busy_timeout avoids SQLITE_BUSY under the worker pool's
	// concurrent commits.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", config.Path)

	rawDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded store: %w", err)
	}

	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	db := circuitbreaker.NewDatabaseWrapper(rawDB, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping embedded store: %w", err)
	}

	client := &Client{
		db:         db,
		logger:     logger,
		config:     config,
		writeQueue: make(chan WriteRequest, 1000),
		workers:    4,
		stopCh:     make(chan struct{}),
	}

	if err := client.migrate(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to migrate embedded store: %w", err)
	}

	client.startWorkers()
	go client.healthCheck()

	logger.Info("embedded store client initialized",
		zap.String("path", config.Path),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", client.workers),
	)

	return client, nil
}

func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

func (c *Client) writeWorker(id int) {
	c.logger.Debug("embedded store write worker started", zap.Int("worker_id", id))

	batchBuffer := make([]WriteRequest, 0, 100)
	batchTicker := time.NewTicker(1 * time.Second)
	defer batchTicker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.drainQueue(batchBuffer)
			c.logger.Info("embedded store write worker stopped", zap.Int("worker_id", id))
			c.workerWg.Done()
			return

		case req := <-c.writeQueue:
			switch req.Type {
			case WriteTypeBatch:
				batchBuffer = append(batchBuffer, req)
				if len(batchBuffer) >= 100 {
					c.processBatch(batchBuffer)
					batchBuffer = batchBuffer[:0]
				}
			default:
				c.processWrite(req)
			}

		case <-batchTicker.C:
			if len(batchBuffer) > 0 {
				c.processBatch(batchBuffer)
				batchBuffer = batchBuffer[:0]
			}
		}
	}
}

func (c *Client) processWrite(req WriteRequest) {
	var err error

	switch req.Type {
	case WriteTypeEvent:
		if rec, ok := req.Data.(*EventRecord); ok {
			err = c.SaveEvent(context.Background(), rec)
		}
	case WriteTypeRetentionSweep:
		if cutoff, ok := req.Data.(time.Time); ok {
			_, err = c.DeleteBefore(context.Background(), cutoff)
		}
	}

	if req.Callback != nil {
		req.Callback(err)
	}

	if err != nil {
		c.logger.Error("failed to process embedded store write",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
}

func (c *Client) processBatch(batch []WriteRequest) {
	if len(batch) == 0 {
		return
	}

	c.logger.Debug("processing embedded store batch writes", zap.Int("count", len(batch)))

	records := make([]*EventRecord, 0, len(batch))
	for _, req := range batch {
		switch req.Type {
		case WriteTypeEvent:
			if rec, ok := req.Data.(*EventRecord); ok {
				records = append(records, rec)
			}
		case WriteTypeBatch:
			if inner, ok := req.Data.([]WriteRequest); ok {
				for _, innerReq := range inner {
					if rec, ok := innerReq.Data.(*EventRecord); ok {
						records = append(records, rec)
					}
				}
			}
		}
	}

	if len(records) > 0 {
		if err := c.BatchSaveEvents(context.Background(), records); err != nil {
			c.logger.Error("failed to batch save events", zap.Error(err))
		}
	}
}

func (c *Client) drainQueue(batchBuffer []WriteRequest) {
	timeout := time.After(10 * time.Second)

	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("timeout draining embedded store write queue")
			return
		default:
			if len(batchBuffer) > 0 {
				c.processBatch(batchBuffer)
			}
			return
		}
	}
}

// QueueWrite adds a write request to the async queue, falling back to a
// synchronous write if the queue is saturated so events are never dropped.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) error {
	select {
	case c.writeQueue <- WriteRequest{Type: writeType, Data: data, Callback: callback}:
		return nil
	default:
		c.logger.Warn("embedded store write queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()))
		c.processWrite(WriteRequest{Type: writeType, Data: data, Callback: callback})
		return nil
	}
}

// QueueWriteWithRetry attempts to queue a write with limited retries before
// falling back to a synchronous write.
func (c *Client) QueueWriteWithRetry(writeType WriteType, data interface{}, callback func(error)) error {
	const maxRetries = 3
	const retryDelay = 10 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case c.writeQueue <- WriteRequest{Type: writeType, Data: data, Callback: callback}:
			return nil
		default:
			if attempt < maxRetries-1 {
				time.Sleep(retryDelay)
				continue
			}
			c.logger.Warn("embedded store write queue full after retries, using synchronous fallback",
				zap.String("type", writeType.String()),
				zap.Int("attempts", maxRetries))
			c.processWrite(WriteRequest{Type: writeType, Data: data, Callback: callback})
			return nil
		}
	}
	return nil
}

func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("embedded store health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close gracefully shuts down the embedded store client.
func (c *Client) Close() error {
	c.logger.Info("shutting down embedded store client")

	close(c.stopCh)

	c.logger.Info("waiting for embedded store write workers to finish")
	c.workerWg.Wait()

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close embedded store: %w", err)
	}

	c.logger.Info("embedded store client closed")
	return nil
}

// GetDB returns the underlying sqlite connection for direct queries.
func (c *Client) GetDB() *sql.DB {
	return c.db.GetDB()
}

// WithTransactionCB runs fn inside a circuit-breaker-protected transaction.
func (c *Client) WithTransactionCB(ctx context.Context, fn func(*circuitbreaker.TxWrapper) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}

// WithTransaction runs fn inside a raw *sql.Tx, bypassing the circuit breaker.
// Deprecated: use WithTransactionCB for circuit breaker protection.
func (c *Client) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	rawTx, err := c.db.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			rawTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(rawTx); err != nil {
		if rbErr := rawTx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := rawTx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}

// Wrapper returns the underlying DatabaseWrapper for health checks and monitoring.
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}
