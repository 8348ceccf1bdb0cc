package service

import (
	"context"

	"github.com/unclebandit/broadcast-dispatch/internal/model"
	"github.com/unclebandit/broadcast-dispatch/internal/repository"
)

// DedupService answers whether a phone was already reached by a broadcast
// with the same name.
type DedupService struct {
	Repo repository.DedupRepositoryInterface
}

// DedupReport is the outcome of checking a recipient list.
type DedupReport struct {
	Unique         []string `json:"unique"`
	Duplicates     []string `json:"duplicates"`
	Invalid        []string `json:"invalid,omitempty"`
	UniqueCount    int      `json:"unique_count"`
	DuplicateCount int      `json:"duplicate_count"`
}

// IsDuplicate reports whether another broadcast named name has a sent
// recipient with this phone.
func (s *DedupService) IsDuplicate(ctx context.Context, name, phone string, excludeBroadcastID int64) (bool, error) {
	phone = model.NormalizePhone(phone)
	if phone == "" {
		return false, nil
	}
	seen, err := s.Repo.SentPhones(ctx, name, []string{phone}, excludeBroadcastID)
	if err != nil {
		return false, err
	}
	return seen[phone], nil
}

// Partition splits phones into unique and duplicate numbers. A number that
// repeats inside the list is a duplicate from its second occurrence on.
func (s *DedupService) Partition(ctx context.Context, name string, phones []string) (*DedupReport, error) {
	normalized := make([]string, len(phones))
	for i, p := range phones {
		normalized[i] = model.NormalizePhone(p)
	}
	reasons, err := s.classify(ctx, name, normalized)
	if err != nil {
		return nil, err
	}

	report := &DedupReport{Unique: []string{}, Duplicates: []string{}}
	for i, phone := range normalized {
		switch {
		case phone == "":
			report.Invalid = append(report.Invalid, phones[i])
		case reasons[i] != "":
			report.Duplicates = append(report.Duplicates, phone)
		default:
			report.Unique = append(report.Unique, phone)
		}
	}
	report.UniqueCount = len(report.Unique)
	report.DuplicateCount = len(report.Duplicates)
	return report, nil
}

// classify returns, per index, "" for a unique phone or the skip error for a
// duplicate one. Phones must already be normalized; empty ones are ignored.
func (s *DedupService) classify(ctx context.Context, name string, phones []string) ([]string, error) {
	reasons := make([]string, len(phones))
	first := map[string]bool{}
	var lookup []string
	for i, phone := range phones {
		if phone == "" {
			continue
		}
		if first[phone] {
			reasons[i] = model.ErrTextDuplicateList
			continue
		}
		first[phone] = true
		lookup = append(lookup, phone)
	}
	if len(lookup) == 0 {
		return reasons, nil
	}

	sent, err := s.Repo.SentPhones(ctx, name, lookup, 0)
	if err != nil {
		return nil, err
	}
	for i, phone := range phones {
		if reasons[i] == "" && sent[phone] {
			reasons[i] = model.ErrTextDuplicate
		}
	}
	return reasons, nil
}
