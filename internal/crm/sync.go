package crm

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/broadcast-dispatch/internal/logger"
	"github.com/unclebandit/broadcast-dispatch/internal/model"
)

const syncConcurrency = 5

// ContactMatch pairs a submitted recipient with its CRM contact.
type ContactMatch struct {
	Phone     string `json:"phone"`
	Name      string `json:"name"`
	ContactID int64  `json:"contact_id"`
}

type SyncError struct {
	Phone string `json:"phone"`
	Error string `json:"error"`
}

type CheckResult struct {
	Existing []ContactMatch          `json:"existing"`
	Missing  []model.RecipientInput `json:"missing"`
	Errors   []SyncError            `json:"errors,omitempty"`
}

type CreateResult struct {
	Created  []ContactMatch `json:"created"`
	Existing []ContactMatch `json:"existing"`
	Failed   []SyncError    `json:"failed,omitempty"`
}

// UnknownIntegrationError is returned for an integration id with no adapter.
type UnknownIntegrationError struct {
	ID string
}

func (e *UnknownIntegrationError) Error() string {
	return fmt.Sprintf("unknown crm integration %q", e.ID)
}

// SyncService fans contact lookups out over the configured integrations.
type SyncService struct {
	adapters map[string]Adapter
	log      zerolog.Logger
}

func NewSyncService(adapters map[string]Adapter, log zerolog.Logger) *SyncService {
	if adapters == nil {
		adapters = map[string]Adapter{}
	}
	return &SyncService{adapters: adapters, log: log}
}

func (s *SyncService) adapter(id string) (Adapter, error) {
	a, ok := s.adapters[id]
	if !ok {
		return nil, &UnknownIntegrationError{ID: id}
	}
	return a, nil
}

// CheckContacts splits recipients into those already known to the CRM and
// those missing. Lookup errors are collected per phone.
func (s *SyncService) CheckContacts(ctx context.Context, integrationID string, recipients []model.RecipientInput) (*CheckResult, error) {
	a, err := s.adapter(integrationID)
	if err != nil {
		return nil, err
	}

	res := &CheckResult{Existing: []ContactMatch{}, Missing: []model.RecipientInput{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for _, in := range recipients {
		in := in
		in.Phone = model.NormalizePhone(in.Phone)
		g.Go(func() error {
			c, err := a.FindContactByPhone(gctx, in.Phone)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Errors = append(res.Errors, SyncError{Phone: in.Phone, Error: err.Error()})
			case c == nil:
				res.Missing = append(res.Missing, in)
			default:
				res.Existing = append(res.Existing, ContactMatch{Phone: in.Phone, Name: c.Name, ContactID: c.ID})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, ctx.Err()
}

// CreateContacts creates every recipient the CRM does not know yet.
func (s *SyncService) CreateContacts(ctx context.Context, integrationID string, recipients []model.RecipientInput, labels []string) (*CreateResult, error) {
	a, err := s.adapter(integrationID)
	if err != nil {
		return nil, err
	}

	res := &CreateResult{Created: []ContactMatch{}, Existing: []ContactMatch{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for _, in := range recipients {
		in := in
		in.Phone = model.NormalizePhone(in.Phone)
		g.Go(func() error {
			c, created, err := ensureContact(gctx, a, in.Name, in.Phone, true)
			if err == nil {
				err = a.AddLabels(gctx, c.ID, labels)
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed = append(res.Failed, SyncError{Phone: in.Phone, Error: err.Error()})
			case created:
				res.Created = append(res.Created, ContactMatch{Phone: in.Phone, Name: c.Name, ContactID: c.ID})
			default:
				res.Existing = append(res.Existing, ContactMatch{Phone: in.Phone, Name: c.Name, ContactID: c.ID})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, ctx.Err()
}

// LabelAfterSend tags the recipient's contact once a message was delivered.
func (s *SyncService) LabelAfterSend(ctx context.Context, b *model.Broadcast, rc *model.Recipient) error {
	opts := b.CRMSync
	if opts == nil || opts.IntegrationID == "" {
		return nil
	}
	a, err := s.adapter(opts.IntegrationID)
	if err != nil {
		return err
	}
	c, _, err := ensureContact(ctx, a, rc.Name, rc.Phone, opts.CreateMissing)
	if err != nil {
		return err
	}
	if c == nil {
		s.log.Debug().Str("phone", logger.RedactPhone(rc.Phone)).Msg("no crm contact, skipping labels")
		return nil
	}
	labels := opts.Labels
	if len(labels) == 0 {
		labels = []string{"broadcast"}
	}
	return a.AddLabels(ctx, c.ID, labels)
}

func ensureContact(ctx context.Context, a Adapter, name, phone string, create bool) (*Contact, bool, error) {
	c, err := a.FindContactByPhone(ctx, phone)
	if err != nil || c != nil || !create {
		return c, false, err
	}
	c, err = a.CreateContact(ctx, name, phone)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}
