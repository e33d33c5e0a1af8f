package graphql

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/yairfalse/liftsync/pkg/resource"
)

// PageSize is the fixed server-side page limit used by connection queries.
const PageSize = 100

// StepFunc fetches the page after cursor. An empty cursor requests the first
// page. hasMore reports whether another page follows at next.
type StepFunc func(ctx context.Context, cursor string) (records []resource.Record, next string, hasMore bool, err error)

// Pager lazily walks the pages of one fetch invocation. It yields only
// non-empty pages, in cursor order. Once it stops, whether by exhaustion,
// error, cancellation or Close, it stays stopped.
//
//	for p.Next(ctx) {
//		page := p.Page()
//		...
//	}
//	if err := p.Err(); err != nil { ... }
type Pager struct {
	kind   resource.Kind
	step   StepFunc
	cursor string
	page   resource.Page
	err    error
	done   bool
}

// NewPager creates a Pager for kind driven by step.
func NewPager(kind resource.Kind, step StepFunc) *Pager {
	return &Pager{kind: kind, step: step}
}

// Kind returns the kind every page of this pager belongs to.
func (p *Pager) Kind() resource.Kind { return p.kind }

// Next advances to the next non-empty page. Empty pages that report more
// data are skipped without stopping.
func (p *Pager) Next(ctx context.Context) bool {
	for !p.done {
		if err := ctx.Err(); err != nil {
			p.stop(err)
			return false
		}

		records, next, hasMore, err := p.step(ctx, p.cursor)
		if err != nil {
			p.stop(err)
			return false
		}

		if hasMore && (next == "" || next == p.cursor) {
			p.stop(fmt.Errorf("%s: %w (cursor %q)", p.kind, ErrStalledCursor, p.cursor))
			return false
		}
		p.cursor = next
		if !hasMore {
			p.done = true
		}

		if len(records) > 0 {
			p.page = resource.Page{Kind: p.kind, Records: records, Cursor: next, HasMore: hasMore}
			return true
		}
	}
	return false
}

// Page returns the page loaded by the last successful Next.
func (p *Pager) Page() resource.Page { return p.page }

// Err returns the error that stopped the pager, if any.
func (p *Pager) Err() error { return p.err }

// Close stops the pager; later calls to Next return false.
func (p *Pager) Close() {
	p.stop(nil)
}

func (p *Pager) stop(err error) {
	p.done = true
	p.page = resource.Page{}
	if p.err == nil {
		p.err = err
	}
}

// Collect drains p and returns every record with the number of pages seen.
func Collect(ctx context.Context, p *Pager) ([]resource.Record, int, error) {
	var (
		records []resource.Record
		pages   int
	)
	for p.Next(ctx) {
		pages++
		records = append(records, p.Page().Records...)
	}
	return records, pages, p.Err()
}

// ConnectionStep returns a StepFunc for a Relay-style connection at
// data.<key>. Variables are copied and extended with "after".
func ConnectionStep(q Querier, query, key string, variables map[string]any) StepFunc {
	return func(ctx context.Context, cursor string) ([]resource.Record, string, bool, error) {
		vars := make(map[string]any, len(variables)+1)
		for k, v := range variables {
			vars[k] = v
		}
		if cursor == "" {
			vars["after"] = nil
		} else {
			vars["after"] = cursor
		}

		resp, err := q.Execute(ctx, query, vars)
		if err != nil {
			return nil, "", false, err
		}

		conn := gjson.GetBytes(resp.Data, gjson.Escape(key))
		records, err := decodeRecords(conn.Get("edges.#.node"))
		if err != nil {
			return nil, "", false, fmt.Errorf("decode %s edges: %w", key, err)
		}

		pageInfo := conn.Get("pageInfo")
		if !pageInfo.Exists() {
			return records, "", false, nil
		}
		return records, pageInfo.Get("endCursor").String(), pageInfo.Get("hasNextPage").Bool(), nil
	}
}

// ListStep returns a StepFunc for an unpaginated list at data.<key>. The
// list is delivered as a single page.
func ListStep(q Querier, query, key string) StepFunc {
	return func(ctx context.Context, _ string) ([]resource.Record, string, bool, error) {
		resp, err := q.Execute(ctx, query, nil)
		if err != nil {
			return nil, "", false, err
		}
		list := gjson.GetBytes(resp.Data, gjson.Escape(key))
		if !list.IsArray() {
			return nil, "", false, fmt.Errorf("data.%s is not a list: %w", key, ErrUnexpectedShape)
		}
		records, err := decodeRecords(list)
		if err != nil {
			return nil, "", false, fmt.Errorf("decode %s: %w", key, err)
		}
		return records, "", false, nil
	}
}

func decodeRecords(arr gjson.Result) ([]resource.Record, error) {
	items := arr.Array()
	records := make([]resource.Record, 0, len(items))
	for _, item := range items {
		if !item.IsObject() {
			continue
		}
		var rec resource.Record
		if err := json.Unmarshal([]byte(item.Raw), &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
