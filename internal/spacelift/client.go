// Package spacelift binds the Spacelift GraphQL documents for each resource
// kind to the paginator.
package spacelift

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/yairfalse/liftsync/internal/graphql"
	"github.com/yairfalse/liftsync/internal/telemetry"
	"github.com/yairfalse/liftsync/pkg/resource"
)

var identifierRe = regexp.MustCompile(`^[_A-Za-z][_0-9A-Za-z]*$`)

// Fetcher produces a lazy page stream for a kind.
type Fetcher interface {
	Fetch(kind resource.Kind, filter resource.Filter) *graphql.Pager
}

// Client fetches Spacelift resources.
type Client struct {
	q      graphql.Querier
	logger *telemetry.Logger
	now    func() time.Time
}

// NewClient creates a Client on top of q.
func NewClient(q graphql.Querier, logger *telemetry.Logger) *Client {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Client{q: q, logger: logger, now: time.Now}
}

// Fetch returns a pager over every record of kind matching filter. Only
// deployments honour filters; other known kinds always fetch in full.
// Unknown kinds use a minimal { id name } list query that fails soft.
func (c *Client) Fetch(kind resource.Kind, filter resource.Filter) *graphql.Pager {
	switch kind {
	case resource.KindSpace:
		return c.connection(kind, spacesQuery, spacesKey, nil)
	case resource.KindStack:
		return c.connection(kind, stacksQuery, stacksKey, nil)
	case resource.KindUser:
		return c.connection(kind, usersQuery, usersKey, nil)
	case resource.KindDeployment:
		return c.connection(kind, runsQuery, runsKey, c.runVariables(filter))
	case resource.KindPolicy:
		return c.connection(kind, policiesQuery, policiesKey, nil)
	default:
		return c.generic(kind)
	}
}

func (c *Client) connection(kind resource.Kind, query, key string, vars map[string]any) *graphql.Pager {
	return graphql.NewPager(kind, graphql.ConnectionStep(c.q, query, key, vars))
}

// runVariables translates deployment filters into query variables. since
// is a unix timestamp LastNDays before now.
func (c *Client) runVariables(filter resource.Filter) map[string]any {
	vars := map[string]any{}
	if id := filter.ID(); id != "" {
		vars["id"] = id
	}
	if states := filter.Statuses(); len(states) > 0 {
		vars["states"] = states
	}
	if days := filter.LastNDays(); days > 0 {
		vars["since"] = c.now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	}
	return vars
}

func (c *Client) generic(kind resource.Kind) *graphql.Pager {
	name := string(kind)
	if !identifierRe.MatchString(name) {
		return graphql.NewPager(kind, func(ctx context.Context, _ string) ([]resource.Record, string, bool, error) {
			c.logger.WithContext(ctx).Warn().
				Str("kind", name).
				Msg("kind is not a valid GraphQL field name, skipping fetch")
			return nil, "", false, nil
		})
	}

	list := graphql.ListStep(c.q, genericQuery(name), name)
	return graphql.NewPager(kind, func(ctx context.Context, cursor string) ([]resource.Record, string, bool, error) {
		records, next, more, err := list(ctx, cursor)
		if err != nil && softGenericFailure(err) {
			c.logger.WithContext(ctx).Warn().
				Err(err).
				Str("kind", name).
				Msg("generic fetch unsupported for kind, returning no records")
			return nil, "", false, nil
		}
		return records, next, more, err
	})
}

// softGenericFailure reports errors caused by the API not exposing an
// { id name } list for the kind.
func softGenericFailure(err error) bool {
	return errors.Is(err, graphql.ErrClient) || errors.Is(err, graphql.ErrUnexpectedShape)
}
