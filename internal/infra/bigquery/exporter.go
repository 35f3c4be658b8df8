// Package bigquery publishes summaries, snapshots and transaction exports
// to a BigQuery dataset for reporting.
package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
	"google.golang.org/api/iterator"
)

const (
	summariesTable    = "cash_flow_summaries"
	snapshotsTable    = "net_worth_snapshots"
	transactionsTable = "transactions"

	// insertBatchSize bounds the rows sent in one streaming insert.
	insertBatchSize = 500
)

// Exporter streams rows into one dataset. It implements the summary and
// snapshot sinks of the service layer.
type Exporter struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	now       func() time.Time
}

// NewExporter creates an exporter with its own client.
func NewExporter(ctx context.Context, projectID, datasetID string) (*Exporter, error) {
	if projectID == "" || datasetID == "" {
		return nil, fmt.Errorf("NewExporter: project and dataset are required")
	}
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewExporter: creating client: %w", err)
	}
	return &Exporter{client: client, projectID: projectID, datasetID: datasetID, now: time.Now}, nil
}

// Close closes the BigQuery client connection.
func (e *Exporter) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

func (e *Exporter) table(name string) *bigquery.Table {
	return e.client.DatasetInProject(e.projectID, e.datasetID).Table(name)
}

func (e *Exporter) qualified(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", e.projectID, e.datasetID, name)
}

// SummaryInsertID deduplicates retried inserts of the same recompute.
func SummaryInsertID(s *domain.CashFlowSummary) string {
	return fmt.Sprintf("%s|%s|%d", s.OwnerID, s.MonthKey, s.ComputedAt.UnixNano())
}

// PublishCashFlowSummary appends the summary to cash_flow_summaries.
func (e *Exporter) PublishCashFlowSummary(ctx context.Context, s *domain.CashFlowSummary) error {
	row, err := NewSummaryRow(s)
	if err != nil {
		return fmt.Errorf("PublishCashFlowSummary: %w", err)
	}
	saver := &bigquery.StructSaver{Struct: row, InsertID: SummaryInsertID(s)}
	if err := e.table(summariesTable).Inserter().Put(ctx, saver); err != nil {
		return fmt.Errorf("PublishCashFlowSummary: inserting row: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("owner_id", s.OwnerID).
		Str("month", string(s.MonthKey)).
		Msg("Summary exported to BigQuery")
	return nil
}

// PublishNetWorthSnapshot appends the snapshot to net_worth_snapshots. The
// snapshot ID is the insert ID, so a re-published snapshot is dropped by
// best-effort deduplication.
func (e *Exporter) PublishNetWorthSnapshot(ctx context.Context, s *domain.NetWorthSnapshot) error {
	saver := &bigquery.StructSaver{Struct: NewSnapshotRow(s), InsertID: s.ID}
	if err := e.table(snapshotsTable).Inserter().Put(ctx, saver); err != nil {
		return fmt.Errorf("PublishNetWorthSnapshot: inserting row: %w", err)
	}
	return nil
}

// ExportTransactions streams txs into the transactions table in batches and
// returns how many rows were sent.
func (e *Exporter) ExportTransactions(ctx context.Context, txs []*domain.Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	exportedAt := e.now()
	inserter := e.table(transactionsTable).Inserter()

	sent := 0
	for _, batch := range batches(txs, insertBatchSize) {
		savers := make([]*bigquery.StructSaver, len(batch))
		for i, tx := range batch {
			savers[i] = &bigquery.StructSaver{
				Struct:   NewTransactionRow(tx, exportedAt),
				InsertID: fmt.Sprintf("%s|%d", tx.ID, tx.UpdatedAt.UnixNano()),
			}
		}
		if err := inserter.Put(ctx, savers); err != nil {
			return sent, fmt.Errorf("ExportTransactions: inserting rows: %w", err)
		}
		sent += len(batch)
	}

	log := logger.FromContext(ctx)
	log.Info().Int("rows", sent).Msg("Transactions exported to BigQuery")
	return sent, nil
}

func batches[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		items, out = items[size:], append(out, items[:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

// LatestSummaries reads back the most recent exported summary per month in
// [from, to] for the owner, ordered by month.
func (e *Exporter) LatestSummaries(ctx context.Context, ownerID string, from, to domain.MonthKey) ([]*domain.CashFlowSummary, error) {
	q := e.client.Query(fmt.Sprintf(`
		SELECT
			owner_id,
			month_key,
			month_start,
			total_income,
			total_expense,
			net_cash_flow,
			transactions_processed,
			categories,
			computed_ts
		FROM %s
		WHERE owner_id = @owner_id
		  AND month_key BETWEEN @from AND @to
		QUALIFY ROW_NUMBER() OVER (PARTITION BY owner_id, month_key ORDER BY computed_ts DESC) = 1
		ORDER BY month_key
	`, e.qualified(summariesTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "owner_id", Value: ownerID},
		{Name: "from", Value: string(from)},
		{Name: "to", Value: string(to)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("LatestSummaries: query read: %w", err)
	}

	var out []*domain.CashFlowSummary
	for {
		var r SummaryRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("LatestSummaries: iter next: %w", err)
		}
		out = append(out, r.ToSummary())
	}
	return out, nil
}
