// Package notionsync mirrors cash-flow summaries and net-worth snapshots
// into Notion databases, one row per owner and month (or date).
package notionsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/jomei/notionapi"
)

// Publisher upserts rows keyed by the Key title property. It implements the
// summary and snapshot sinks of the service layer.
type Publisher struct {
	client       NotionService
	summaryDBID  string
	snapshotDBID string
}

// NewPublisher creates a publisher. An empty database ID disables that kind
// of row.
func NewPublisher(client NotionService, summaryDBID, snapshotDBID string) *Publisher {
	return &Publisher{client: client, summaryDBID: summaryDBID, snapshotDBID: snapshotDBID}
}

// PublishCashFlowSummary creates or updates the summary row for the month.
func (p *Publisher) PublishCashFlowSummary(ctx context.Context, s *domain.CashFlowSummary) error {
	if p.summaryDBID == "" {
		return nil
	}
	key := SummaryKey(s.OwnerID, s.MonthKey)
	if err := p.upsert(ctx, p.summaryDBID, key, SummaryToNotionProperties(s)); err != nil {
		return fmt.Errorf("PublishCashFlowSummary: %w", err)
	}
	return nil
}

// PublishNetWorthSnapshot creates or updates the snapshot row for the date.
func (p *Publisher) PublishNetWorthSnapshot(ctx context.Context, s *domain.NetWorthSnapshot) error {
	if p.snapshotDBID == "" {
		return nil
	}
	key := SnapshotKey(s.OwnerID, s.SnapshotDate)
	if err := p.upsert(ctx, p.snapshotDBID, key, SnapshotToNotionProperties(s)); err != nil {
		return fmt.Errorf("PublishNetWorthSnapshot: %w", err)
	}
	return nil
}

// upsert updates the first page carrying key and archives any duplicates,
// or creates the page when none exists.
func (p *Publisher) upsert(ctx context.Context, databaseID, key string, props notionapi.Properties) error {
	log := logger.FromContext(ctx).With().Str("key", key).Logger()

	pages, err := queryAllNotionPages(ctx, p.client, databaseID)
	if err != nil {
		return err
	}

	var matches []notionapi.Page
	for _, page := range pages {
		if extractKey(page) == key {
			matches = append(matches, page)
		}
	}

	if len(matches) == 0 {
		page, err := p.client.CreatePage(ctx, databaseID, props)
		if err != nil {
			return err
		}
		log.Info().Str("page_id", string(page.ID)).Msg("Created Notion page")
		return nil
	}

	pageID := string(matches[0].ID)
	if _, err := p.client.UpdatePage(ctx, pageID, props); err != nil {
		return err
	}
	log.Debug().Str("page_id", pageID).Msg("Updated Notion page")

	for _, dup := range matches[1:] {
		if err := p.client.ArchivePage(ctx, string(dup.ID)); err != nil {
			log.Warn().Err(err).Str("page_id", string(dup.ID)).Msg("Failed to archive duplicate Notion page")
			continue
		}
		log.Info().Str("page_id", string(dup.ID)).Msg("Archived duplicate Notion page")
	}
	return nil
}

// ReconcileResult counts what ReconcileSummaries did (or would do).
type ReconcileResult struct {
	Created  int
	Updated  int
	Archived int
}

// ReconcileSummaries makes the owner's rows in the summary database match
// summaries: missing rows are created, existing rows updated and rows for
// months not in summaries archived. With dryRun nothing is written.
func (p *Publisher) ReconcileSummaries(ctx context.Context, ownerID string, summaries []*domain.CashFlowSummary, dryRun bool) (*ReconcileResult, error) {
	if p.summaryDBID == "" {
		return nil, fmt.Errorf("ReconcileSummaries: no summary database configured")
	}
	log := logger.FromContext(ctx)

	pages, err := queryAllNotionPages(ctx, p.client, p.summaryDBID)
	if err != nil {
		return nil, fmt.Errorf("ReconcileSummaries: %w", err)
	}

	prefix := ownerID + "/"
	existing := make(map[string]string)
	var stale []notionapi.Page
	want := make(map[string]bool, len(summaries))
	for _, s := range summaries {
		want[SummaryKey(s.OwnerID, s.MonthKey)] = true
	}
	for _, page := range pages {
		key := extractKey(page)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, dup := existing[key]; dup || !want[key] {
			stale = append(stale, page)
			continue
		}
		existing[key] = string(page.ID)
	}

	res := &ReconcileResult{}
	for _, page := range stale {
		if dryRun {
			log.Info().Str("key", extractKey(page)).Str("page_id", string(page.ID)).Msg("[DRY RUN] Would archive stale Notion page")
			res.Archived++
			continue
		}
		if err := p.client.ArchivePage(ctx, string(page.ID)); err != nil {
			log.Warn().Err(err).Str("page_id", string(page.ID)).Msg("Failed to archive stale Notion page")
			continue
		}
		res.Archived++
	}

	for _, s := range summaries {
		key := SummaryKey(s.OwnerID, s.MonthKey)
		pageID, ok := existing[key]
		switch {
		case dryRun && ok:
			log.Info().Str("key", key).Msg("[DRY RUN] Would update Notion page")
			res.Updated++
		case dryRun:
			log.Info().Str("key", key).Msg("[DRY RUN] Would create Notion page")
			res.Created++
		case ok:
			if _, err := p.client.UpdatePage(ctx, pageID, SummaryToNotionProperties(s)); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Failed to update Notion page")
				continue
			}
			res.Updated++
		default:
			if _, err := p.client.CreatePage(ctx, p.summaryDBID, SummaryToNotionProperties(s)); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Failed to create Notion page")
				continue
			}
			res.Created++
		}
	}

	log.Info().
		Str("owner_id", ownerID).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("archived", res.Archived).
		Bool("dry_run", dryRun).
		Msg("Notion summaries reconciled")
	return res, nil
}

// queryAllNotionPages returns every page of a database, following the
// query cursor.
func queryAllNotionPages(ctx context.Context, client NotionService, databaseID string) ([]notionapi.Page, error) {
	var all []notionapi.Page
	var cursor notionapi.Cursor

	for {
		req := &notionapi.DatabaseQueryRequest{PageSize: 100}
		if cursor != "" {
			req.StartCursor = cursor
		}

		resp, err := client.QueryDatabase(ctx, databaseID, req)
		if err != nil {
			return nil, fmt.Errorf("queryAllNotionPages: %w", err)
		}
		all = append(all, resp.Results...)

		if !resp.HasMore {
			break
		}
		cursor = resp.NextCursor
	}
	return all, nil
}
