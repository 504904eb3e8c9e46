package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const (
	idxClients    = "brokerdesk_clients"
	idxDocuments  = "brokerdesk_documents"
	idxMilestones = "brokerdesk_milestones"
)

// Meili is the primary search backend.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server is tolerated; the health loop picks it up later.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger.Named("search"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{idxClients, []string{"brokerIds", "stage"}, []string{"fullName", "email", "propertyAddress"}},
		{idxDocuments, []string{"brokerIds", "clientId", "status"}, []string{"name", "category", "clientName"}},
		{idxMilestones, []string{"brokerIds", "clientId", "status"}, []string{"title", "description", "clientName"}},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idx.uid, PrimaryKey: "id"}); err != nil {
			m.logger.Debug("create index", zap.String("index", idx.uid), zap.Error(err))
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn("update filterable attributes", zap.String("index", idx.uid), zap.Error(err))
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.logger.Warn("update searchable attributes", zap.String("index", idx.uid), zap.Error(err))
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the three indexes (or one of them) and merges the hits.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	for _, uid := range []string{idxClients, idxDocuments, idxMilestones} {
		if q.FilterType != "" && q.FilterType != indexToResultType(uid) {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if filter := accessFilter(q); filter != "" {
			sr.Filter = filter
		}
		queries = append(queries, sr)
	}
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

// accessFilter limits hits to cases the broker can read.
func accessFilter(q Query) string {
	if q.AllCases {
		return ""
	}
	return fmt.Sprintf("brokerIds = %q", q.BrokerID)
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxClients:
		return ResultClient
	case idxDocuments:
		return ResultDocument
	case idxMilestones:
		return ResultMilestone
	default:
		return ""
	}
}

func indexFor(rtyp ResultType) string {
	switch rtyp {
	case ResultClient:
		return idxClients
	case ResultDocument:
		return idxDocuments
	case ResultMilestone:
		return idxMilestones
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp, ID: decodeString(hit, "id")}
	switch rtyp {
	case ResultClient:
		r.ClientID = r.ID
		r.ClientName = decodeString(hit, "fullName")
		r.Title = firstNonBlank(decodeFormattedString(hit, "fullName"), r.ClientName)
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "propertyAddress"), decodeString(hit, "propertyAddress"))
	case ResultDocument:
		r.ClientID = decodeString(hit, "clientId")
		r.ClientName = decodeString(hit, "clientName")
		r.Title = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "category"), decodeString(hit, "category"))
	case ResultMilestone:
		r.ClientID = decodeString(hit, "clientId")
		r.ClientName = decodeString(hit, "clientName")
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// Index upserts a batch of records.
func (m *Meili) Index(records Records) error {
	if len(records.Clients) > 0 {
		if _, err := m.client.Index(idxClients).AddDocuments(records.Clients, nil); err != nil {
			return fmt.Errorf("index clients: %w", err)
		}
	}
	if len(records.Documents) > 0 {
		if _, err := m.client.Index(idxDocuments).AddDocuments(records.Documents, nil); err != nil {
			return fmt.Errorf("index documents: %w", err)
		}
	}
	if len(records.Milestones) > 0 {
		if _, err := m.client.Index(idxMilestones).AddDocuments(records.Milestones, nil); err != nil {
			return fmt.Errorf("index milestones: %w", err)
		}
	}
	return nil
}

// Delete removes one entry from its index.
func (m *Meili) Delete(rtyp ResultType, id string) error {
	uid := indexFor(rtyp)
	if uid == "" {
		return fmt.Errorf("unknown result type %q", rtyp)
	}
	_, err := m.client.Index(uid).DeleteDocument(id, nil)
	return err
}
