package service

import (
	"context"

	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/repository"
	"github.com/zeitec/verifier-worker/internal/workflow"
)

// Paging describes the window a listing returned
type Paging struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// SubmissionList is one page of submissions
type SubmissionList struct {
	Submissions []db.IssuanceSubmission `json:"submissions"`
	Paging
}

// DeviceList is one page of devices
type DeviceList struct {
	Devices []db.Device `json:"devices"`
	Paging
}

// RegistrantList is one page of registrants
type RegistrantList struct {
	Registrants []db.Registrant `json:"registrants"`
	Paging
}

// DeviceView is a device with its supporting documents
type DeviceView struct {
	Device    *db.Device          `json:"device"`
	Documents []db.DeviceDocument `json:"documents"`
}

// staffOnly rejects commands that do not come from a verifier or administrator
func (b *base) staffOnly(ctx context.Context, meta Meta) error {
	actor, err := b.actor(ctx, meta)
	if err != nil {
		return err
	}
	return workflow.RequireStaff(actor)
}

func paging(p repository.Page, total int64) Paging {
	p = p.Normalize()
	return Paging{Total: total, Limit: p.Limit, Offset: p.Offset}
}

// ListRegistrants returns registrants newest first
func (s *RegistryService) ListRegistrants(ctx context.Context, meta Meta, f repository.RegistrantFilter, p repository.Page) (*RegistrantList, error) {
	if err := s.staffOnly(ctx, meta); err != nil {
		return nil, err
	}
	regs, total, err := s.repo.ListRegistrants(ctx, f, p)
	if err != nil {
		return nil, err
	}
	return &RegistrantList{Registrants: regs, Paging: paging(p, total)}, nil
}

// GetRegistrant returns one registrant
func (s *RegistryService) GetRegistrant(ctx context.Context, meta Meta, id int64) (*db.Registrant, error) {
	if err := s.staffOnly(ctx, meta); err != nil {
		return nil, err
	}
	return s.repo.GetRegistrant(ctx, id)
}

// ListDevices returns devices newest first
func (s *RegistryService) ListDevices(ctx context.Context, meta Meta, f repository.DeviceFilter, p repository.Page) (*DeviceList, error) {
	if err := s.staffOnly(ctx, meta); err != nil {
		return nil, err
	}
	devices, total, err := s.repo.ListDevices(ctx, f, p)
	if err != nil {
		return nil, err
	}
	return &DeviceList{Devices: devices, Paging: paging(p, total)}, nil
}

// GetDevice returns one device with its documents
func (s *RegistryService) GetDevice(ctx context.Context, meta Meta, id int64) (*DeviceView, error) {
	if err := s.staffOnly(ctx, meta); err != nil {
		return nil, err
	}
	d, err := s.repo.GetDevice(ctx, s.repo.Querier(), id)
	if err != nil {
		return nil, err
	}
	docs, err := s.repo.ListDeviceDocuments(ctx, id)
	if err != nil {
		return nil, err
	}
	return &DeviceView{Device: d, Documents: docs}, nil
}

// List returns submissions newest first
func (s *ReviewService) List(ctx context.Context, meta Meta, f repository.SubmissionFilter, p repository.Page) (*SubmissionList, error) {
	if err := s.staffOnly(ctx, meta); err != nil {
		return nil, err
	}
	subs, total, err := s.repo.ListSubmissions(ctx, f, p)
	if err != nil {
		return nil, err
	}
	return &SubmissionList{Submissions: subs, Paging: paging(p, total)}, nil
}
