package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches the generated tsvector columns in Postgres. It is the
// fallback whenever Meilisearch is missing or unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// accessibleCases restricts c.id to cases owned by or shared with the broker
// bound to the given placeholder.
func accessibleCases(arg string) string {
	return fmt.Sprintf(`c.id IN (
		SELECT id FROM clients WHERE broker_id = %[1]s
		UNION
		SELECT client_id FROM case_collaborators WHERE broker_id = %[1]s AND status = 'accepted'
	)`, arg)
}

// Search runs a UNION ALL across clients, documents and milestones ranked by
// ts_rank, with ts_headline snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	scope := "c.archived_at IS NULL"
	if !q.AllCases {
		args = append(args, q.BrokerID)
		scope += " AND " + accessibleCases("$2")
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultClient {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'client'::text AS type, c.id::text AS id, c.full_name AS title,
				ts_headline('english', c.property_address || ' ' || c.email, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.id::text AS client_id, c.full_name AS client_name,
				ts_rank(c.fts, %[1]s) AS rank
			FROM clients c
			WHERE c.fts @@ %[1]s AND %[2]s`, tsQuery, scope))
	}
	if q.FilterType == "" || q.FilterType == ResultDocument {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id::text AS id, d.name AS title,
				ts_headline('english', d.category, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.id::text AS client_id, c.full_name AS client_name,
				ts_rank(d.fts, %[1]s) AS rank
			FROM documents d
			JOIN clients c ON c.id = d.client_id
			WHERE d.fts @@ %[1]s AND %[2]s`, tsQuery, scope))
	}
	if q.FilterType == "" || q.FilterType == ResultMilestone {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'milestone'::text AS type, m.id::text AS id, m.title,
				ts_headline('english', m.description, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.id::text AS client_id, c.full_name AS client_name,
				ts_rank(m.fts, %[1]s) AS rank
			FROM milestones m
			JOIN clients c ON c.id = m.client_id
			WHERE m.fts @@ %[1]s AND %[2]s`, tsQuery, scope))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	n := len(args)
	query := fmt.Sprintf(`
		SELECT type, id, title, snippet, client_id, client_name, COUNT(*) OVER () AS total
		FROM (%s) hits
		ORDER BY rank DESC, title ASC
		LIMIT $%d OFFSET $%d`, union, n+1, n+2)
	args = append(args, limit, offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ClientID, &r.ClientName, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// brokerIDsExpr lists the owner plus accepted collaborators of case c.
const brokerIDsExpr = `array_to_string(ARRAY(
	SELECT c.broker_id::text
	UNION
	SELECT cc.broker_id::text FROM case_collaborators cc
	WHERE cc.client_id = c.id AND cc.status = 'accepted' AND cc.broker_id IS NOT NULL
), ',')`

// LoadCaseRecords reads everything indexable for one case. An archived or
// missing case yields empty records.
func (p *PgFTS) LoadCaseRecords(ctx context.Context, clientID string) (Records, error) {
	return p.loadRecords(ctx, "c.id = $1 AND c.archived_at IS NULL", clientID)
}

// LoadAllRecords reads every live case for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) (Records, error) {
	return p.loadRecords(ctx, "c.archived_at IS NULL")
}

func (p *PgFTS) loadRecords(ctx context.Context, where string, args ...any) (Records, error) {
	var out Records

	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id::text, c.full_name, c.email, c.property_address, c.stage, `+brokerIDsExpr+`
		FROM clients c WHERE `+where, args...)
	if err != nil {
		return out, fmt.Errorf("load clients: %w", err)
	}
	for rows.Next() {
		var r ClientRecord
		var brokers string
		if err := rows.Scan(&r.ID, &r.FullName, &r.Email, &r.PropertyAddress, &r.Stage, &brokers); err != nil {
			rows.Close()
			return out, fmt.Errorf("scan client: %w", err)
		}
		r.BrokerIDs = splitIDs(brokers)
		out.Clients = append(out.Clients, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, err
	}

	rows, err = p.db.QueryContext(ctx, `
		SELECT d.id::text, c.id::text, c.full_name, d.name, d.category, d.status, `+brokerIDsExpr+`
		FROM documents d JOIN clients c ON c.id = d.client_id WHERE `+where, args...)
	if err != nil {
		return out, fmt.Errorf("load documents: %w", err)
	}
	for rows.Next() {
		var r DocumentRecord
		var brokers string
		if err := rows.Scan(&r.ID, &r.ClientID, &r.ClientName, &r.Name, &r.Category, &r.Status, &brokers); err != nil {
			rows.Close()
			return out, fmt.Errorf("scan document: %w", err)
		}
		r.BrokerIDs = splitIDs(brokers)
		out.Documents = append(out.Documents, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, err
	}

	rows, err = p.db.QueryContext(ctx, `
		SELECT m.id::text, c.id::text, c.full_name, m.title, m.description, m.status, `+brokerIDsExpr+`
		FROM milestones m JOIN clients c ON c.id = m.client_id WHERE `+where, args...)
	if err != nil {
		return out, fmt.Errorf("load milestones: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r MilestoneRecord
		var brokers string
		if err := rows.Scan(&r.ID, &r.ClientID, &r.ClientName, &r.Title, &r.Description, &r.Status, &brokers); err != nil {
			return out, fmt.Errorf("scan milestone: %w", err)
		}
		r.BrokerIDs = splitIDs(brokers)
		out.Milestones = append(out.Milestones, r)
	}
	return out, rows.Err()
}

func splitIDs(raw string) []string {
	ids := []string{}
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
