package search

import (
	"context"

	"go.uber.org/zap"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  *Meili
	pgfts  *PgFTS
	logger *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meili: meili, pgfts: pgfts, logger: logger.Named("search")}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy() && s.pgfts != nil
}

// ReindexCase reloads one case from Postgres and pushes it to Meilisearch
// (fire-and-forget). Call after any change to the case, its documents,
// milestones or collaborators.
func (s *Service) ReindexCase(clientID string) {
	if !s.indexing() {
		return
	}
	go func() {
		ctx := context.Background()
		records, err := s.pgfts.LoadCaseRecords(ctx, clientID)
		if err != nil {
			s.logger.Warn("load case records", zap.String("client_id", clientID), zap.Error(err))
			return
		}
		if records.Empty() {
			s.remove(ResultClient, clientID)
			return
		}
		if err := s.meili.Index(records); err != nil {
			s.logger.Warn("index case", zap.String("client_id", clientID), zap.Error(err))
		}
	}()
}

// Remove deletes one entry from the index (fire-and-forget).
func (s *Service) Remove(rtyp ResultType, id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go s.remove(rtyp, id)
}

func (s *Service) remove(rtyp ResultType, id string) {
	if err := s.meili.Delete(rtyp, id); err != nil {
		s.logger.Warn("delete from index", zap.String("type", string(rtyp)), zap.String("id", id), zap.Error(err))
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.indexing() {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.Index(records); err != nil {
		s.logger.Warn("reindex failed", zap.Error(err))
		return
	}
	s.logger.Info("reindexed",
		zap.Int("clients", len(records.Clients)),
		zap.Int("documents", len(records.Documents)),
		zap.Int("milestones", len(records.Milestones)))
}

// Close stops background work.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
