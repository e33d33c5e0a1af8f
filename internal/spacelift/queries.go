package spacelift

// Connection queries. Every query takes $after and requests pages of
// graphql.PageSize.
const (
	spacesQuery = `query Spaces($after: String) {
  spaces(first: 100, after: $after) {
    edges { node { id name description createdAt } }
    pageInfo { endCursor hasNextPage }
  }
}`

	stacksQuery = `query Stacks($after: String) {
  stacks(first: 100, after: $after) {
    edges { node { id name description state createdAt spaceId branch } }
    pageInfo { endCursor hasNextPage }
  }
}`

	usersQuery = `query Users($after: String) {
  users(first: 100, after: $after) {
    edges { node { id name email createdAt } }
    pageInfo { endCursor hasNextPage }
  }
}`

	runsQuery = `query Runs($after: String, $id: ID, $states: [String!], $since: Int) {
  runs(first: 100, after: $after, id: $id, states: $states, since: $since) {
    edges { node { id stackId state createdAt triggeredBy commit { hash message } } }
    pageInfo { endCursor hasNextPage }
  }
}`

	policiesQuery = `query Policies($after: String) {
  policies(first: 100, after: $after) {
    edges { node { id name description type createdAt } }
    pageInfo { endCursor hasNextPage }
  }
}`
)

// Keys under data for each connection.
const (
	spacesKey   = "spaces"
	stacksKey   = "stacks"
	usersKey    = "users"
	runsKey     = "runs"
	policiesKey = "policies"
)

func genericQuery(kind string) string {
	return "query { " + kind + " { id name } }"
}
