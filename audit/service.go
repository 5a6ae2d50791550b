package audit

import "context"

// EntryLister abstracts repository operations for the service.
type EntryLister interface {
	List(ctx context.Context, callerID string, jobID int64) ([]Entry, error)
}

type Service struct {
	repo EntryLister
}

func NewService(repo EntryLister) *Service {
	return &Service{repo: repo}
}

// List returns the caller-visible timeline for one job.
func (s *Service) List(ctx context.Context, callerID string, jobID int64) ([]Entry, error) {
	return s.repo.List(ctx, callerID, jobID)
}
