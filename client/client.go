// Package client is a Go client for the morpho Flight service. It wraps
// the raw Flight streams in table-level operations: upload a measurement
// table, run a reduction, fetch the merged result back.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/atlasbio/morpho/internal/table"
)

// Client talks to one morpho server.
type Client struct {
	addr   string
	fc     flight.Client
	mem    memory.Allocator
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithAllocator sets the Arrow allocator used for outgoing records.
func WithAllocator(mem memory.Allocator) Option {
	return func(c *Client) { c.mem = mem }
}

// WithTimeout bounds each call made through helpers that create their
// own context. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New dials a morpho server.
func New(addr string, opts ...Option) (*Client, error) {
	c := &Client{
		addr: addr,
		mem:  memory.NewGoAllocator(),
	}
	for _, opt := range opts {
		opt(c)
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(1024 * 1024 * 100),
			grpc.MaxCallSendMsgSize(1024 * 1024 * 100),
		),
	}
	fc, err := flight.NewClientWithMiddleware(addr, nil, nil, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	c.fc = fc
	return c, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.fc.Close()
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, func() {}
}

// UploadTable sends a measurement table under the given name, replacing
// any table already loaded under it.
func (c *Client) UploadTable(ctx context.Context, name string, t *table.Table) error {
	rec, err := t.ToRecord(c.mem)
	if err != nil {
		return err
	}
	defer rec.Release()
	return c.UploadRecord(ctx, name, rec)
}

// UploadRecord sends an Arrow record batch as a named table.
func (c *Client) UploadRecord(ctx context.Context, name string, rec arrow.RecordBatch) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	stream, err := c.fc.DoPut(ctx)
	if err != nil {
		return err
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{name},
	})
	if err := w.Write(rec); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	// Drain acknowledgements; the server reports errors through the
	// stream status.
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// FetchTable retrieves a named table, embeddings included.
func (c *Client) FetchTable(ctx context.Context, name string) (*table.Table, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	stream, err := c.fc.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, err
	}

	r, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer r.Release()

	var recs []arrow.RecordBatch
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	for r.Next() {
		rec := r.RecordBatch()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return table.FromRecords(recs)
}

// ReductionSpec selects the algorithm and parameters for RunReduction.
// Nil parameter fields take the server-side defaults.
type ReductionSpec struct {
	Columns     []string
	Algorithm   string
	Standardize bool

	NNeighbors        *int
	Perplexity        *float64
	NComponents       *int
	ExplainedVariance *float64
}

// ReductionOutcome reports a finished reduction run.
type ReductionOutcome struct {
	Algorithm  string   `json:"algorithm"`
	Columns    []string `json:"columns"`
	Rows       int      `json:"rows"`
	DurationMS int64    `json:"duration_ms"`
}

// RunReduction runs a reduction on a named table and blocks until the
// embedding has merged server-side.
func (c *Client) RunReduction(ctx context.Context, name string, spec ReductionSpec) (*ReductionOutcome, error) {
	body, err := json.Marshal(struct {
		Table       string   `json:"table"`
		Columns     []string `json:"columns"`
		Algorithm   string   `json:"algorithm"`
		Standardize bool     `json:"standardize"`

		NNeighbors        *int     `json:"n_neighbors,omitempty"`
		Perplexity        *float64 `json:"perplexity,omitempty"`
		NComponents       *int     `json:"n_components,omitempty"`
		ExplainedVariance *float64 `json:"explained_variance_threshold,omitempty"`
	}{
		Table:             name,
		Columns:           spec.Columns,
		Algorithm:         spec.Algorithm,
		Standardize:       spec.Standardize,
		NNeighbors:        spec.NNeighbors,
		Perplexity:        spec.Perplexity,
		NComponents:       spec.NComponents,
		ExplainedVariance: spec.ExplainedVariance,
	})
	if err != nil {
		return nil, err
	}

	out, err := c.doAction(ctx, "run-reduction", body)
	if err != nil {
		return nil, err
	}
	var res ReductionOutcome
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("decoding reduction result: %w", err)
	}
	return &res, nil
}

// TableInfo describes one table loaded on the server.
type TableInfo struct {
	Name    string   `json:"name"`
	Rows    int      `json:"rows"`
	Columns []string `json:"columns"`
}

// ListTables returns the tables currently loaded on the server.
func (c *Client) ListTables(ctx context.Context) ([]TableInfo, error) {
	out, err := c.doAction(ctx, "list-tables", nil)
	if err != nil {
		return nil, err
	}
	var infos []TableInfo
	if err := json.Unmarshal(out, &infos); err != nil {
		return nil, fmt.Errorf("decoding table list: %w", err)
	}
	return infos, nil
}

// DropTable removes a table from the server.
func (c *Client) DropTable(ctx context.Context, name string) error {
	_, err := c.doAction(ctx, "drop-table", mustNameBody(name))
	return err
}

// SnapshotTable persists a table to the server's Parquet store.
func (c *Client) SnapshotTable(ctx context.Context, name string) error {
	_, err := c.doAction(ctx, "snapshot-table", mustNameBody(name))
	return err
}

// LoadTable restores a table from the server's Parquet store.
func (c *Client) LoadTable(ctx context.Context, name string) error {
	_, err := c.doAction(ctx, "load-table", mustNameBody(name))
	return err
}

// QuerySnapshot runs SQL against a table snapshot and returns the Arrow
// results. The caller must Release the reader.
func (c *Client) QuerySnapshot(ctx context.Context, name, query string) (array.RecordReader, error) {
	body, err := json.Marshal(struct {
		Table string `json:"table"`
		Query string `json:"query"`
	}{Table: name, Query: query})
	if err != nil {
		return nil, err
	}
	out, err := c.doAction(ctx, "query-snapshot", body)
	if err != nil {
		return nil, err
	}
	return ipcRecordReader(out)
}

// ipcRecordReader wraps an IPC stream payload in a RecordReader.
func ipcRecordReader(body []byte) (array.RecordReader, error) {
	r, err := ipc.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decoding arrow results: %w", err)
	}
	return r, nil
}

func mustNameBody(name string) []byte {
	body, _ := json.Marshal(struct {
		Table string `json:"table"`
	}{Table: name})
	return body
}

func (c *Client) doAction(ctx context.Context, typ string, body []byte) ([]byte, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	stream, err := c.fc.DoAction(ctx, &flight.Action{Type: typ, Body: body})
	if err != nil {
		return nil, err
	}
	var out []byte
	for {
		res, err := stream.Recv()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = res.Body
	}
}
