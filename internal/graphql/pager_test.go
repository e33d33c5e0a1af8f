package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/liftsync/internal/auth"
	"github.com/yairfalse/liftsync/pkg/resource"
)

type connPage struct {
	ids         []string
	hasNext     bool
	endCursor   string
	omitPageInf bool
}

// connectionServer serves pages keyed by the incoming "after" variable.
func connectionServer(t *testing.T, key string, pages map[string]connPage) (*Executor, *[]any) {
	t.Helper()
	var afters []any
	srv, _ := scriptedServer(t, func(_ int, req recordedRequest, w http.ResponseWriter) {
		after := req.Variables["after"]
		afters = append(afters, after)
		cursor, _ := after.(string)
		page, ok := pages[cursor]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		edges := make([]map[string]any, 0, len(page.ids))
		for _, id := range page.ids {
			edges = append(edges, map[string]any{"node": map[string]any{"id": id}})
		}
		conn := map[string]any{"edges": edges}
		if !page.omitPageInf {
			conn["pageInfo"] = map[string]any{"hasNextPage": page.hasNext, "endCursor": page.endCursor}
		}
		out, _ := json.Marshal(map[string]any{"data": map[string]any{key: conn}})
		_, _ = w.Write(out)
	})
	return newTestExecutor(srv, auth.NewStatic("t"), fastConfig()), &afters
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%03d", prefix, i)
	}
	return out
}

func TestPager_StacksAcrossThreePages(t *testing.T) {
	exec, afters := connectionServer(t, "stacks", map[string]connPage{
		"":   {ids: ids("a", 100), hasNext: true, endCursor: "c1"},
		"c1": {ids: ids("b", 100), hasNext: true, endCursor: "c2"},
		"c2": {ids: ids("c", 37), hasNext: false, endCursor: "c3"},
	})
	p := NewPager(resource.KindStack, ConnectionStep(exec, "query", "stacks", nil))

	var pages []resource.Page
	for p.Next(context.Background()) {
		pages = append(pages, p.Page())
	}
	require.NoError(t, p.Err())
	require.Len(t, pages, 3)

	total := 0
	seen := map[string]bool{}
	for _, page := range pages {
		assert.Equal(t, resource.KindStack, page.Kind)
		for _, rec := range page.Records {
			assert.False(t, seen[rec.ID()], "duplicate %s", rec.ID())
			seen[rec.ID()] = true
		}
		total += len(page.Records)
	}
	assert.Equal(t, 237, total)
	assert.Equal(t, "a-000", pages[0].Records[0].ID())
	assert.Equal(t, "c-036", pages[2].Records[36].ID())
	assert.True(t, pages[0].HasMore)
	assert.True(t, pages[1].HasMore)
	assert.False(t, pages[2].HasMore)
	assert.Equal(t, []any{nil, "c1", "c2"}, *afters)

	// exhausted pagers stay exhausted
	assert.False(t, p.Next(context.Background()))
}

func TestPager_EmptyPageWithMoreContinues(t *testing.T) {
	exec, afters := connectionServer(t, "runs", map[string]connPage{
		"":   {ids: nil, hasNext: true, endCursor: "c1"},
		"c1": {ids: ids("r", 2), hasNext: false},
	})
	p := NewPager(resource.KindDeployment, ConnectionStep(exec, "query", "runs", nil))

	records, pages, err := Collect(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, pages)
	assert.Len(t, records, 2)
	assert.Len(t, *afters, 2)
}

func TestPager_MissingPageInfoIsExhaustion(t *testing.T) {
	exec, afters := connectionServer(t, "users", map[string]connPage{
		"": {ids: ids("u", 3), omitPageInf: true},
	})
	p := NewPager(resource.KindUser, ConnectionStep(exec, "query", "users", nil))

	records, pages, err := Collect(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, pages)
	assert.Len(t, records, 3)
	assert.Len(t, *afters, 1)
}

func TestPager_EmptyFinalPageYieldsNothing(t *testing.T) {
	exec, _ := connectionServer(t, "spaces", map[string]connPage{
		"": {ids: nil, hasNext: false},
	})
	p := NewPager(resource.KindSpace, ConnectionStep(exec, "query", "spaces", nil))

	assert.False(t, p.Next(context.Background()))
	assert.NoError(t, p.Err())
}

func TestPager_StalledCursor(t *testing.T) {
	exec, _ := connectionServer(t, "stacks", map[string]connPage{
		"":   {ids: ids("a", 1), hasNext: true, endCursor: "c1"},
		"c1": {ids: ids("b", 1), hasNext: true, endCursor: "c1"},
	})
	p := NewPager(resource.KindStack, ConnectionStep(exec, "query", "stacks", nil))

	_, pages, err := Collect(context.Background(), p)
	assert.ErrorIs(t, err, ErrStalledCursor)
	assert.Equal(t, 1, pages)
}

func TestPager_VariablesCarriedWithCursor(t *testing.T) {
	var seen []map[string]any
	srv, _ := scriptedServer(t, func(n int, req recordedRequest, w http.ResponseWriter) {
		seen = append(seen, req.Variables)
		if n == 1 {
			_, _ = w.Write([]byte(`{"data":{"runs":{"edges":[{"node":{"id":"r1"}}],"pageInfo":{"hasNextPage":true,"endCursor":"c1"}}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"runs":{"edges":[{"node":{"id":"r2"}}],"pageInfo":{"hasNextPage":false,"endCursor":"c2"}}}}`))
	})
	exec := newTestExecutor(srv, auth.NewStatic("t"), fastConfig())
	vars := map[string]any{"id": "r1"}

	_, _, err := Collect(context.Background(), NewPager(resource.KindDeployment, ConnectionStep(exec, "q", "runs", vars)))
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, "r1", seen[0]["id"])
	assert.Nil(t, seen[0]["after"])
	assert.Equal(t, "r1", seen[1]["id"])
	assert.Equal(t, "c1", seen[1]["after"])
	// caller's map is not mutated
	assert.Equal(t, map[string]any{"id": "r1"}, vars)
}

func TestPager_CancelBetweenPages(t *testing.T) {
	exec, afters := connectionServer(t, "stacks", map[string]connPage{
		"":   {ids: ids("a", 2), hasNext: true, endCursor: "c1"},
		"c1": {ids: ids("b", 2), hasNext: false},
	})
	p := NewPager(resource.KindStack, ConnectionStep(exec, "query", "stacks", nil))

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, p.Next(ctx))
	cancel()

	assert.False(t, p.Next(ctx))
	assert.ErrorIs(t, p.Err(), context.Canceled)
	assert.Len(t, *afters, 1)

	// not restartable after cancellation
	assert.False(t, p.Next(context.Background()))
	assert.ErrorIs(t, p.Err(), context.Canceled)
}

func TestPager_Close(t *testing.T) {
	calls := 0
	p := NewPager(resource.KindStack, func(context.Context, string) ([]resource.Record, string, bool, error) {
		calls++
		return []resource.Record{{"id": "x"}}, "next", true, nil
	})
	require.True(t, p.Next(context.Background()))
	p.Close()

	assert.False(t, p.Next(context.Background()))
	assert.NoError(t, p.Err())
	assert.Equal(t, 1, calls)
}

func TestPager_StepErrorStops(t *testing.T) {
	boom := errors.New("boom")
	p := NewPager(resource.KindStack, func(context.Context, string) ([]resource.Record, string, bool, error) {
		return nil, "", false, boom
	})
	assert.False(t, p.Next(context.Background()))
	assert.ErrorIs(t, p.Err(), boom)
}

func TestListStep(t *testing.T) {
	srv, _ := scriptedServer(t, func(_ int, _ recordedRequest, w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"data":{"contexts":[{"id":"c1","name":"one"},{"id":"c2","name":"two"}]}}`))
	})
	exec := newTestExecutor(srv, auth.NewStatic("t"), fastConfig())

	records, pages, err := Collect(context.Background(), NewPager("contexts", ListStep(exec, "{ contexts { id name } }", "contexts")))
	require.NoError(t, err)
	assert.Equal(t, 1, pages)
	require.Len(t, records, 2)
	assert.Equal(t, "two", records[1]["name"])
}

func TestListStep_NotAList(t *testing.T) {
	srv, _ := scriptedServer(t, func(_ int, _ recordedRequest, w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"data":{"contexts":{"id":"c1"}}}`))
	})
	exec := newTestExecutor(srv, auth.NewStatic("t"), fastConfig())

	_, _, err := Collect(context.Background(), NewPager("contexts", ListStep(exec, "q", "contexts")))
	assert.ErrorIs(t, err, ErrUnexpectedShape)
}
