// Package archive keeps the raw provider payloads of every committed sync
// cycle in object storage, one JSON Lines object per cycle.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/syncer"
	"github.com/goccy/go-json"
)

// ObjectStore is the storage the archive writes to.
type ObjectStore interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Header is the first line of every archived cycle.
type Header struct {
	ConnectionID string    `json:"connection_id"`
	OwnerID      string    `json:"owner_id"`
	FromCursor   string    `json:"from_cursor"`
	FromAbsent   bool      `json:"from_absent,omitempty"`
	ToCursor     string    `json:"to_cursor"`
	CommittedAt  time.Time `json:"committed_at"`
	RecordCount  int       `json:"record_count"`
	RemovedIDs   []string  `json:"removed_ids,omitempty"`
}

// Cycle is an archived cycle read back from storage.
type Cycle struct {
	Header
	Records []json.RawMessage
}

// Archiver implements syncer.Archiver.
type Archiver struct {
	objects ObjectStore
	prefix  string
}

// New creates an Archiver writing under prefix.
func New(objects ObjectStore, prefix string) *Archiver {
	return &Archiver{objects: objects, prefix: strings.Trim(prefix, "/")}
}

// ObjectName returns where a cycle committed at the given time is stored.
// Names sort chronologically within a connection.
func (a *Archiver) ObjectName(ownerID, connectionID string, committedAt time.Time) string {
	stamp := committedAt.UTC().Format("20060102T150405.000000000Z")
	return path.Join(a.prefix, ownerID, connectionID, stamp+".jsonl")
}

// ArchiveCycle writes the header line followed by one compacted raw record
// per line.
func (a *Archiver) ArchiveCycle(ctx context.Context, cycle syncer.CycleArchive) error {
	h := Header{
		ConnectionID: cycle.ConnectionID,
		OwnerID:      cycle.OwnerID,
		FromCursor:   cycle.FromCursor.Value,
		FromAbsent:   cycle.FromCursor.IsAbsent(),
		ToCursor:     cycle.ToCursor.Value,
		CommittedAt:  cycle.CommittedAt,
		RecordCount:  len(cycle.Records),
		RemovedIDs:   cycle.RemovedIDs,
	}

	var buf bytes.Buffer
	head, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("ArchiveCycle: marshal header: %w", err)
	}
	buf.Write(head)
	buf.WriteByte('\n')

	for i, rec := range cycle.Records {
		if err := compactRecord(&buf, rec); err != nil {
			return fmt.Errorf("ArchiveCycle: record %d: %w", i, err)
		}
		buf.WriteByte('\n')
	}

	name := a.ObjectName(cycle.OwnerID, cycle.ConnectionID, cycle.CommittedAt)
	if err := a.objects.Put(ctx, name, buf.Bytes()); err != nil {
		return fmt.Errorf("ArchiveCycle: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("object", name).
		Int("records", len(cycle.Records)).
		Int("removed", len(cycle.RemovedIDs)).
		Msg("Archived sync cycle")
	return nil
}

// compactRecord appends rec to dst with all whitespace outside string
// literals removed, keeping each record on a single line.
func compactRecord(dst *bytes.Buffer, rec []byte) error {
	if !json.Valid(rec) {
		return errors.New("not valid JSON")
	}
	inString, escaped := false, false
	for _, b := range rec {
		switch {
		case inString:
			if escaped {
				escaped = false
			} else if b == '\\' {
				escaped = true
			} else if b == '"' {
				inString = false
			}
		case b == '"':
			inString = true
		case b == ' ', b == '\t', b == '\n', b == '\r':
			continue
		}
		dst.WriteByte(b)
	}
	return nil
}

// ListCycles returns the object names archived for a connection, oldest
// first.
func (a *Archiver) ListCycles(ctx context.Context, ownerID, connectionID string) ([]string, error) {
	names, err := a.objects.List(ctx, path.Join(a.prefix, ownerID, connectionID)+"/")
	if err != nil {
		return nil, fmt.Errorf("ListCycles: %w", err)
	}
	return names, nil
}

// ReadCycle loads and parses one archived cycle.
func (a *Archiver) ReadCycle(ctx context.Context, name string) (*Cycle, error) {
	data, err := a.objects.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("ReadCycle: %w", err)
	}
	return Parse(data)
}

// Parse decodes the JSON Lines form written by ArchiveCycle.
func Parse(data []byte) (*Cycle, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var c Cycle
	line := 0
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		line++
		if line == 1 {
			if err := json.Unmarshal(raw, &c.Header); err != nil {
				return nil, fmt.Errorf("Parse: header: %w", err)
			}
			continue
		}
		c.Records = append(c.Records, json.RawMessage(append([]byte(nil), raw...)))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}
	if line == 0 {
		return nil, fmt.Errorf("Parse: empty archive")
	}
	if len(c.Records) != c.RecordCount {
		return nil, fmt.Errorf("Parse: header declares %d records, found %d", c.RecordCount, len(c.Records))
	}
	return &c, nil
}

var _ syncer.Archiver = (*Archiver)(nil)
