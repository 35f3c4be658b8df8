package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dvloznov/finance-sync/internal/app"
	"github.com/dvloznov/finance-sync/internal/config"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/service"
	"github.com/dvloznov/finance-sync/internal/syncer"
	"github.com/google/subcommands"
)

// env is passed to every command. The application is built on first use so
// help and usage never touch the database.
type env struct {
	cfg *config.Config
	app *app.App
	out io.Writer
}

func (e *env) load(ctx context.Context) (*app.App, error) {
	if e.app != nil {
		return e.app, nil
	}
	a, err := app.New(ctx, e.cfg)
	if err != nil {
		return nil, err
	}
	e.app = a
	return a, nil
}

func (e *env) close() error {
	if e.app == nil {
		return nil
	}
	return e.app.Close()
}

// execute loads the application and runs fn, reporting errors on stderr.
func execute(ctx context.Context, args []interface{}, fn func(a *app.App, out io.Writer) error) subcommands.ExitStatus {
	e := args[0].(*env)
	a, err := e.load(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	if err := fn(a, e.out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

var errOwnerRequired = errors.New("-owner is required")

// Commands lists every CLI command in help order.
var Commands = []subcommands.Command{
	&syncCmd{},
	&transactionsCmd{},
	&categorizeCmd{},
	&reviewCmd{},
	&summaryCmd{},
	&snapshotCmd{},
	&connectionsCmd{},
	&connectCmd{},
	&disconnectCmd{},
	&exportCmd{},
	&notionCmd{},
	&archiveCmd{},
}

type syncCmd struct {
	owner      string
	connection string
	jsonOut    bool
}

func (*syncCmd) Name() string     { return "sync" }
func (*syncCmd) Synopsis() string { return "pull changes from the provider for an owner or one connection" }
func (*syncCmd) Usage() string {
	return `sync -owner <id> [-connection <id>] [-json]

  Runs a sync cycle for every active connection of the owner (or only the
  given connection) and recomputes the touched months.
`
}

func (c *syncCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.owner, "owner", "", "Owner ID.")
	f.StringVar(&c.connection, "connection", "", "Sync only this connection.")
	f.BoolVar(&c.jsonOut, "json", false, "Print results as JSON.")
}

func (c *syncCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return execute(ctx, args, func(a *app.App, out io.Writer) error {
		return c.run(ctx, a, out)
	})
}

func (c *syncCmd) run(ctx context.Context, a *app.App, out io.Writer) error {
	var results []*syncer.SyncResult
	if c.connection != "" {
		res, err := a.Service.SyncConnectionByID(ctx, c.connection)
		if res == nil && err != nil {
			return err
		}
		results = append(results, res)
	} else {
		if c.owner == "" {
			return errOwnerRequired
		}
		tr, err := a.Service.TriggerSync(ctx, c.owner)
		if err != nil {
			return err
		}
		results = tr.Results
		for _, id := range tr.Skipped {
			fmt.Fprintf(out, "%s: skipped (inactive)\n", id)
		}
	}

	if c.jsonOut {
		return writeJSON(out, results)
	}
	tw := newTable(out)
	fmt.Fprintln(tw, "CONNECTION\tSTATE\tADDED\tMODIFIED\tREMOVED\tSKIPPED\tPAGES\tERROR")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.ConnectionID, r.State, r.Added, r.Modified, r.Removed, len(r.Errors), r.Pages, r.Error)
	}
	return tw.Flush()
}

type transactionsCmd struct {
	owner      string
	account    string
	month      string
	from       string
	to         string
	category   string
	unreviewed bool
	limit      int
	offset     int
	currency   string
	jsonOut    bool
}

func (*transactionsCmd) Name() string     { return "transactions" }
func (*transactionsCmd) Synopsis() string { return "list canonical transactions, newest first" }
func (*transactionsCmd) Usage() string {
	return `transactions -owner <id> [-month YYYY-MM | -from YYYY-MM-DD -to YYYY-MM-DD] [-category <name>] [-account <id>] [-unreviewed]
`
}

func (c *transactionsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.owner, "owner", "", "Owner ID.")
	f.StringVar(&c.account, "account", "", "Only this account.")
	f.StringVar(&c.month, "month", "", "Only this month (YYYY-MM).")
	f.StringVar(&c.from, "from", "", "Earliest date (YYYY-MM-DD).")
	f.StringVar(&c.to, "to", "", "Latest date (YYYY-MM-DD).")
	f.StringVar(&c.category, "category", "", "Only this category.")
	f.BoolVar(&c.unreviewed, "unreviewed", false, "Only transactions without a user override.")
	f.IntVar(&c.limit, "limit", 50, "Maximum rows.")
	f.IntVar(&c.offset, "offset", 0, "Rows to skip.")
	f.StringVar(&c.currency, "currency", "USD", "Currency for rows without one.")
	f.BoolVar(&c.jsonOut, "json", false, "Print as JSON.")
}

func (c *transactionsCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return execute(ctx, args, func(a *app.App, out io.Writer) error {
		return c.run(ctx, a, out)
	})
}

func (c *transactionsCmd) run(ctx context.Context, a *app.App, out io.Writer) error {
	txs, err := a.Service.GetTransactions(ctx, c.owner, service.TransactionQuery{
		AccountID:      c.account,
		Month:          c.month,
		From:           c.from,
		To:             c.to,
		Category:       c.category,
		UnreviewedOnly: c.unreviewed,
		Limit:          c.limit,
		Offset:         c.offset,
	})
	if err != nil {
		return err
	}
	if c.jsonOut {
		return writeJSON(out, txs)
	}
	return printTransactions(out, txs, c.currency)
}

type categorizeCmd struct {
	owner       string
	transaction string
	category    string
}

func (*categorizeCmd) Name() string     { return "categorize" }
func (*categorizeCmd) Synopsis() string { return "override the category of a transaction" }
func (*categorizeCmd) Usage() string {
	return `categorize -owner <id> -tx <transaction id> -category <name>

  Records a user override. Later syncs never replace it.
`
}

func (c *categorizeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.owner, "owner", "", "Owner ID.")
	f.StringVar(&c.transaction, "tx", "", "Transaction ID.")
	f.StringVar(&c.category, "category", "", "Category name, e.g. Groceries.")
}

func (c *categorizeCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return execute(ctx, args, func(a *app.App, out io.Writer) error {
		tx, err := a.Service.SetUserCategory(ctx, c.owner, c.transaction, c.category)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s is now %s\n", tx.ID, tx.AssignedCategory)
		return nil
	})
}

type reviewCmd struct {
	owner string
	limit int
}

func (*reviewCmd) Name() string     { return "review" }
func (*reviewCmd) Synopsis() string { return "list uncategorized transactions awaiting review" }
func (*reviewCmd) Usage() string {
	return `review -owner <id> [-limit n]

  Suggestions are shown when REVIEW_SUGGESTIONS is enabled. They are never
  applied; use categorize to accept one.
`
}

func (c *reviewCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.owner, "owner", "", "Owner ID.")
	f.IntVar(&c.limit, "limit", 20, "Maximum rows.")
}

func (c *reviewCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return execute(ctx, args, func(a *app.App, out io.Writer) error {
		items, err := a.Service.ReviewQueue(ctx, c.owner, c.limit)
		if err != nil {
			return err
		}
		tw := newTable(out)
		fmt.Fprintln(tw, "DATE\tID\tMERCHANT\tAMOUNT\tSUGGESTION")
		for _, it := range items {
			tx := it.Transaction
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", tx.OccurredOn, tx.ID, tx.MerchantLabel, tx.Amount.StringFixed(2), it.Suggestion)
		}
		return tw.Flush()
	})
}

type summaryCmd struct {
	owner    string
	month    string
	currency string
	jsonOut  bool
}

func (*summaryCmd) Name() string     { return "summary" }
func (*summaryCmd) Synopsis() string { return "recompute and show the cash-flow summary of a month" }
func (*summaryCmd) Usage() string {
	return `summary -owner <id> -month YYYY-MM [-currency USD] [-json]
`
}

func (c *summaryCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.owner, "owner", "", "Owner ID.")
	f.StringVar(&c.month, "month", "", "Month (YYYY-MM).")
	f.StringVar(&c.currency, "currency", "USD", "Display currency.")
	f.BoolVar(&c.jsonOut, "json", false, "Print as JSON.")
}

func (c *summaryCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return execute(ctx, args, func(a *app.App, out io.Writer) error {
		return c.run(ctx, a, out)
	})
}

func (c *summaryCmd) run(ctx context.Context, a *app.App, out io.Writer) error {
	s, err := a.Service.GetCashFlowSummary(ctx, c.owner, c.month)
	if err != nil {
		return err
	}
	if c.jsonOut {
		return writeJSON(out, s)
	}
	return printSummary(out, s, c.currency)
}

type snapshotCmd struct {
	owner    string
	date     string
	currency string
	jsonOut  bool
}

func (*snapshotCmd) Name() string     { return "snapshot" }
func (*snapshotCmd) Synopsis() string { return "show the net-worth snapshot of a date, taking it if absent" }
func (*snapshotCmd) Usage() string {
	return `snapshot -owner <id> [-date YYYY-MM-DD] [-currency USD] [-json]

  Without -date, today's snapshot is taken with freshly pulled balances.
`
}

func (c *snapshotCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.owner, "owner", "", "Owner ID.")
	f.StringVar(&c.date, "date", "", "Snapshot date (YYYY-MM-DD); defaults to today.")
	f.StringVar(&c.currency, "currency", "USD", "Display currency.")
	f.BoolVar(&c.jsonOut, "json", false, "Print as JSON.")
}

func (c *snapshotCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return execute(ctx, args, func(a *app.App, out io.Writer) error {
		s, err := a.Service.GetNetWorthSnapshot(ctx, c.owner, c.date)
		if err != nil {
			return err
		}
		if c.jsonOut {
			return writeJSON(out, s)
		}
		return printSnapshot(out, s, c.currency)
	})
}

type connectionsCmd struct {
	owner string
}

func (*connectionsCmd) Name() string     { return "connections" }
func (*connectionsCmd) Synopsis() string { return "list an owner's provider connections" }
func (*connectionsCmd) Usage() string    { return "connections -owner <id>\n" }

func (c *connectionsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.owner, "owner", "", "Owner ID.")
}

func (c *connectionsCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return execute(ctx, args, func(a *app.App, out io.Writer) error {
		conns, err := a.Service.ListConnections(ctx, c.owner)
		if err != nil {
			return err
		}
		tw := newTable(out)
		fmt.Fprintln(tw, "CONNECTION\tINSTITUTION\tACTIVE\tSTATE\tACCOUNTS\tLAST ERROR")
		for _, conn := range conns {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
				conn.ConnectionID, conn.InstitutionLabel, conn.IsActive, conn.State,
				strings.Join(conn.AccountIDs, ","), conn.LastError)
		}
		return tw.Flush()
	})
}

type connectCmd struct {
	owner      string
	connection string
	credential string
	label      string
	accounts   string
}

func (*connectCmd) Name() string     { return "connect" }
func (*connectCmd) Synopsis() string { return "register a provider connection" }
func (*connectCmd) Usage() string {
	return "connect -owner <id> -connection <id> -credential <ref> [-label <institution>] [-accounts a,b]\n"
}

func (c *connectCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.owner, "owner", "", "Owner ID.")
	f.StringVar(&c.connection, "connection", "", "Connection ID.")
	f.StringVar(&c.credential, "credential", "", "Provider access credential reference.")
	f.StringVar(&c.label, "label", "", "Institution label.")
	f.StringVar(&c.accounts, "accounts", "", "Comma-separated account IDs.")
}

func (c *connectCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return execute(ctx, args, func(a *app.App, out io.Writer) error {
		conn := &domain.Connection{
			ConnectionID:     c.connection,
			OwnerID:          c.owner,
			CredentialRef:    c.credential,
			InstitutionLabel: c.label,
		}
		if c.accounts != "" {
			conn.AccountIDs = strings.Split(c.accounts, ",")
		}
		if err := a.Service.AddConnection(ctx, conn); err != nil {
			return err
		}
		fmt.Fprintf(out, "Connection %s registered\n", c.connection)
		return nil
	})
}

type disconnectCmd struct {
	owner      string
	connection string
}

func (*disconnectCmd) Name() string     { return "disconnect" }
func (*disconnectCmd) Synopsis() string { return "deactivate a revoked connection, keeping its data" }
func (*disconnectCmd) Usage() string    { return "disconnect -owner <id> -connection <id>\n" }

func (c *disconnectCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.owner, "owner", "", "Owner ID.")
	f.StringVar(&c.connection, "connection", "", "Connection ID.")
}

func (c *disconnectCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return execute(ctx, args, func(a *app.App, out io.Writer) error {
		if err := a.Service.DeactivateConnection(ctx, c.owner, c.connection); err != nil {
			return err
		}
		fmt.Fprintf(out, "Connection %s deactivated\n", c.connection)
		return nil
	})
}

type exportCmd struct {
	owner string
	from  string
	to    string
}

func (*exportCmd) Name() string     { return "export-bq" }
func (*exportCmd) Synopsis() string { return "export transactions and summaries to BigQuery" }
func (*exportCmd) Usage() string {
	return `export-bq -owner <id> -from YYYY-MM [-to YYYY-MM]

  Streams the owner's transactions of the month range into the transactions
  table and republishes each month's cash-flow summary. Requires GCP_PROJECT.
`
}

func (c *exportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.owner, "owner", "", "Owner ID.")
	f.StringVar(&c.from, "from", "", "First month (YYYY-MM).")
	f.StringVar(&c.to, "to", "", "Last month (YYYY-MM); defaults to -from.")
}

func (c *exportCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return execute(ctx, args, func(a *app.App, out io.Writer) error {
		if a.Exporter == nil {
			return errors.New("export-bq: GCP_PROJECT is not set")
		}
		if c.owner == "" {
			return errOwnerRequired
		}
		to := c.to
		if to == "" {
			to = c.from
		}
		months, err := monthRange(c.from, to)
		if err != nil {
			return err
		}

		total := 0
		for _, m := range months {
			n, err := exportMonth(ctx, a, c.owner, string(m))
			total += n
			if err != nil {
				return fmt.Errorf("export-bq %s: %w", m, err)
			}
			summary, err := a.Service.GetCashFlowSummary(ctx, c.owner, string(m))
			if err != nil {
				return err
			}
			if err := a.Exporter.PublishCashFlowSummary(ctx, summary); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %d transactions\n", m, n)
		}
		fmt.Fprintf(out, "Exported %d transactions over %d months\n", total, len(months))
		return nil
	})
}

// exportMonth pages through the month's transactions.
func exportMonth(ctx context.Context, a *app.App, ownerID, month string) (int, error) {
	const page = 1000
	total := 0
	for offset := 0; ; offset += page {
		txs, err := a.Service.GetTransactions(ctx, ownerID, service.TransactionQuery{Month: month, Limit: page, Offset: offset})
		if err != nil {
			return total, err
		}
		n, err := a.Exporter.ExportTransactions(ctx, txs)
		total += n
		if err != nil {
			return total, err
		}
		if len(txs) < page {
			return total, nil
		}
	}
}

type notionCmd struct {
	owner  string
	from   string
	to     string
	dryRun bool
}

func (*notionCmd) Name() string     { return "notion-reconcile" }
func (*notionCmd) Synopsis() string { return "make the Notion summaries database match recomputed summaries" }
func (*notionCmd) Usage() string {
	return `notion-reconcile -owner <id> -from YYYY-MM -to YYYY-MM [-dry-run]

  Recomputes every month of the range, then creates, updates or archives the
  owner's rows so they match. Rows outside the range are archived.
`
}

func (c *notionCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.owner, "owner", "", "Owner ID.")
	f.StringVar(&c.from, "from", "", "First month (YYYY-MM).")
	f.StringVar(&c.to, "to", "", "Last month (YYYY-MM).")
	f.BoolVar(&c.dryRun, "dry-run", false, "Report changes without writing.")
}

func (c *notionCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return execute(ctx, args, func(a *app.App, out io.Writer) error {
		if a.Notion == nil {
			return errors.New("notion-reconcile: NOTION_TOKEN is not set")
		}
		if c.owner == "" {
			return errOwnerRequired
		}
		months, err := monthRange(c.from, c.to)
		if err != nil {
			return err
		}
		summaries := make([]*domain.CashFlowSummary, 0, len(months))
		for _, m := range months {
			s, err := a.Service.GetCashFlowSummary(ctx, c.owner, string(m))
			if err != nil {
				return err
			}
			summaries = append(summaries, s)
		}
		res, err := a.Notion.ReconcileSummaries(ctx, c.owner, summaries, c.dryRun)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "created=%d updated=%d archived=%d dry_run=%t\n", res.Created, res.Updated, res.Archived, c.dryRun)
		return nil
	})
}

type archiveCmd struct {
	owner      string
	connection string
	object     string
}

func (*archiveCmd) Name() string     { return "archive" }
func (*archiveCmd) Synopsis() string { return "list or show archived sync cycles" }
func (*archiveCmd) Usage() string {
	return `archive -owner <id> -connection <id>
archive -object <name>

  Lists the archived cycles of a connection, or prints the header and record
  count of one cycle. Requires ARCHIVE_BUCKET.
`
}

func (c *archiveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.owner, "owner", "", "Owner ID.")
	f.StringVar(&c.connection, "connection", "", "Connection ID.")
	f.StringVar(&c.object, "object", "", "Archive object name to show.")
}

func (c *archiveCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return execute(ctx, args, func(a *app.App, out io.Writer) error {
		return c.run(ctx, a, out)
	})
}

func (c *archiveCmd) run(ctx context.Context, a *app.App, out io.Writer) error {
	if a.Archiver == nil {
		return errors.New("archive: ARCHIVE_BUCKET is not set")
	}
	if c.object != "" {
		cycle, err := a.Archiver.ReadCycle(ctx, c.object)
		if err != nil {
			return err
		}
		return writeJSON(out, cycle.Header)
	}
	if c.owner == "" || c.connection == "" {
		return errors.New("archive: -owner and -connection, or -object, are required")
	}
	names, err := a.Archiver.ListCycles(ctx, c.owner, c.connection)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(out, n)
	}
	return nil
}
