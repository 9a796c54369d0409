package library

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

const activityColumns = `id,item_id,borrower_id,action,at,detail,digest`

// chainDigest links an entry to its predecessor so that editing or removing
// any earlier line changes every later digest.
func chainDigest(prev string, e *ActivityEntry) string {
	h, _ := blake2b.New256(nil) // only fails for oversized keys
	fmt.Fprintf(h, "%s|%d|%d|%s|%s|%s",
		prev, e.ItemID, e.BorrowerID, e.Action, e.At.UTC().Format(time.RFC3339Nano), e.Detail)
	return hex.EncodeToString(h.Sum(nil))
}

// AppendActivity adds an entry to the log, filling in its digest and ID.
// Call it inside the transaction that made the change it describes.
func (s *queries) AppendActivity(ctx context.Context, entry *ActivityEntry) error {
	var prev string
	err := s.get(ctx, &prev, `SELECT digest FROM activity ORDER BY id DESC LIMIT 1`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return storeError("read activity head", err)
	}
	entry.At = entry.At.UTC().Truncate(time.Microsecond)
	entry.Digest = chainDigest(prev, entry)

	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.q.ExecContext(ctx, `INSERT INTO activity(item_id,borrower_id,action,at,detail,digest)
        VALUES (?,?,?,?,?,?)`, entry.ItemID, entry.BorrowerID, entry.Action, entry.At, entry.Detail, entry.Digest)
	if err != nil {
		return storeError("append activity", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return storeError("append activity", err)
	}
	return nil
}

// ListActivity returns the most recent entries, newest first. limit <= 0 returns all.
func (d *Database) ListActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	query := `SELECT ` + activityColumns + ` FROM activity ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []ActivityEntry
	if err := d.selectAll(ctx, &out, query, args...); err != nil {
		return nil, storeError("list activity", err)
	}
	return out, nil
}

// VerifyActivityLog recomputes the digest chain. It returns the number of
// entries checked and, if the chain is broken, the id of the first bad entry.
func (d *Database) VerifyActivityLog(ctx context.Context) (checked int, brokenAt int64, err error) {
	var prev string
	var after int64
	for {
		var page []ActivityEntry
		if err := d.selectAll(ctx, &page, `SELECT `+activityColumns+` FROM activity
            WHERE id > ? ORDER BY id LIMIT ?`, after, sweepPageSize); err != nil {
			return checked, 0, storeError("verify activity", err)
		}
		for i := range page {
			e := &page[i]
			if chainDigest(prev, e) != e.Digest {
				return checked, e.ID, nil
			}
			prev = e.Digest
			checked++
		}
		if len(page) < sweepPageSize {
			return checked, 0, nil
		}
		after = page[len(page)-1].ID
	}
}
