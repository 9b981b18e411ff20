package commands

import (
	"context"
	"strings"
	"time"

	"github.com/zeitec/verifier-worker/internal/apperr"
	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/repository"
	"github.com/zeitec/verifier-worker/internal/service"
	"github.com/zeitec/verifier-worker/internal/validator"
	"github.com/zeitec/verifier-worker/internal/workflow"
)

// Routing keys of the supported commands
const (
	RegistrantApply    = "verifier.registrant.apply"
	RegistrantStatus   = "verifier.registrant.status"
	RegistrantApprove  = "verifier.registrant.approve"
	RegistrantReject   = "verifier.registrant.reject"
	RegistrantList     = "verifier.registrant.list"
	RegistrantGet      = "verifier.registrant.get"
	DeviceSubmit       = "verifier.device.submit"
	DeviceApprove      = "verifier.device.approve"
	DeviceReject       = "verifier.device.reject"
	DeviceList         = "verifier.device.list"
	DeviceGet          = "verifier.device.get"
	IssuanceSubmit     = "verifier.issuance.submit"
	IssuanceClaim      = "verifier.issuance.claim"
	IssuanceReview     = "verifier.issuance.review"
	IssuanceResolve    = "verifier.issuance.resolve_duplicate"
	IssuanceDelete     = "verifier.issuance.delete"
	IssuanceGet        = "verifier.issuance.get"
	IssuanceList       = "verifier.issuance.list"
	IssuanceStatistics = "verifier.issuance.stats"
)

// Registry is the registrant and device side of the service layer
type Registry interface {
	Apply(ctx context.Context, meta service.Meta, app validator.RegistrantApplication) (*db.Registrant, error)
	CheckStatus(ctx context.Context, email string) (*service.RegistrantStatus, error)
	ReviewRegistrant(ctx context.Context, meta service.Meta, id int64, decision workflow.Decision, notes string) (*db.Registrant, error)
	SubmitDevices(ctx context.Context, meta service.Meta, in service.DeviceSubmission) ([]db.Device, error)
	ReviewDevice(ctx context.Context, meta service.Meta, id int64, decision workflow.Decision, notes string) (*db.Device, error)
	ListRegistrants(ctx context.Context, meta service.Meta, f repository.RegistrantFilter, p repository.Page) (*service.RegistrantList, error)
	GetRegistrant(ctx context.Context, meta service.Meta, id int64) (*db.Registrant, error)
	ListDevices(ctx context.Context, meta service.Meta, f repository.DeviceFilter, p repository.Page) (*service.DeviceList, error)
	GetDevice(ctx context.Context, meta service.Meta, id int64) (*service.DeviceView, error)
}

// Issuance accepts issuance uploads
type Issuance interface {
	SubmitIssuance(ctx context.Context, meta service.Meta, in service.IssuanceRequest) (*service.IssuanceResult, error)
}

// Review drives submissions through review
type Review interface {
	Claim(ctx context.Context, meta service.Meta, id int64, expectedVersion *int64) (*db.IssuanceSubmission, error)
	Review(ctx context.Context, meta service.Meta, id int64, in service.ReviewRequest) (*service.ReviewOutcome, error)
	ResolveDuplicate(ctx context.Context, meta service.Meta, id int64, notes string) (*db.IssuanceSubmission, error)
	Delete(ctx context.Context, meta service.Meta, id int64) (int64, error)
	Get(ctx context.Context, id int64) (*service.SubmissionView, error)
	List(ctx context.Context, meta service.Meta, f repository.SubmissionFilter, p repository.Page) (*service.SubmissionList, error)
	Stats(ctx context.Context) (*repository.Stats, error)
}

type decisionPayload struct {
	ID    int64  `json:"id"`
	Notes string `json:"notes"`
}

type devicesPayload struct {
	CSV       []byte                `json:"csv"`
	Documents []service.DocumentRef `json:"documents"`
}

type issuancePayload struct {
	DeviceID        int64     `json:"device_id"`
	PeriodStart     time.Time `json:"period_start"`
	PeriodEnd       time.Time `json:"period_end"`
	CSV             []byte    `json:"csv"`
	CSVFilePath     string    `json:"csv_file_path"`
	DeclarationPath string    `json:"registrant_declaration_path"`
}

type submissionPayload struct {
	SubmissionID    int64  `json:"submission_id"`
	ExpectedVersion *int64 `json:"expected_version"`
	Notes           string `json:"notes"`
}

type reviewPayload struct {
	SubmissionID    int64               `json:"submission_id"`
	Decision        string              `json:"decision"`
	Checklist       *workflow.Checklist `json:"checklist"`
	Notes           string              `json:"notes"`
	MeasurementTier string              `json:"measurement_tier"`
	ExpectedVersion *int64              `json:"expected_version"`
}

type statusPayload struct {
	Email string `json:"email"`
}

type idPayload struct {
	ID int64 `json:"id"`
}

// listPayload carries the filters of every listing. Fields a listing does
// not filter on are ignored.
type listPayload struct {
	Status       string `json:"status"`
	RegistrantID int64  `json:"registrant_id"`
	DeviceID     int64  `json:"device_id"`
	Country      string `json:"country"`
	Search       string `json:"search"`
	Limit        int    `json:"limit"`
	Offset       int    `json:"offset"`
}

func (p listPayload) page() repository.Page {
	return repository.Page{Limit: p.Limit, Offset: p.Offset}
}

func (p listPayload) approvalStatus() (workflow.ApprovalStatus, error) {
	if p.Status == "" {
		return "", nil
	}
	st, err := workflow.ParseApprovalStatus(strings.ToLower(strings.TrimSpace(p.Status)))
	if err != nil {
		return "", invalidStatus(p.Status)
	}
	return st, nil
}

func (p listPayload) submissionStatus() (workflow.SubmissionStatus, error) {
	if p.Status == "" {
		return "", nil
	}
	st, err := workflow.ParseSubmissionStatus(strings.ToLower(strings.TrimSpace(p.Status)))
	if err != nil {
		return "", invalidStatus(p.Status)
	}
	return st, nil
}

func invalidStatus(s string) error {
	return apperr.Validation("invalid_status", "unknown status filter",
		apperr.FieldError{Field: "status", Message: "is not a known status"}).
		WithMetadata("status", s)
}

// Register binds every command to the router
func Register(r *Router, registry Registry, issuance Issuance, review Review) {
	r.Register(RegistrantApply, func(ctx context.Context, env Envelope) (interface{}, error) {
		var app validator.RegistrantApplication
		if err := decode(env, &app); err != nil {
			return nil, err
		}
		return registry.Apply(ctx, meta(env), app)
	})

	r.Register(RegistrantStatus, func(ctx context.Context, env Envelope) (interface{}, error) {
		var p statusPayload
		if hasPayload(env) {
			if err := decode(env, &p); err != nil {
				return nil, err
			}
		}
		if p.Email == "" {
			p.Email = env.Actor.Email
		}
		return registry.CheckStatus(ctx, p.Email)
	})

	reviewRegistrant := func(d workflow.Decision) HandlerFunc {
		return func(ctx context.Context, env Envelope) (interface{}, error) {
			var p decisionPayload
			if err := decode(env, &p); err != nil {
				return nil, err
			}
			if err := requireID("id", p.ID); err != nil {
				return nil, err
			}
			return registry.ReviewRegistrant(ctx, meta(env), p.ID, d, p.Notes)
		}
	}
	r.Register(RegistrantApprove, reviewRegistrant(workflow.DecisionApproved))
	r.Register(RegistrantReject, reviewRegistrant(workflow.DecisionRejected))

	r.Register(RegistrantList, func(ctx context.Context, env Envelope) (interface{}, error) {
		p, err := listing(env)
		if err != nil {
			return nil, err
		}
		status, err := p.approvalStatus()
		if err != nil {
			return nil, err
		}
		return registry.ListRegistrants(ctx, meta(env), repository.RegistrantFilter{
			Status:  status,
			Country: p.Country,
			Search:  p.Search,
		}, p.page())
	})

	r.Register(RegistrantGet, func(ctx context.Context, env Envelope) (interface{}, error) {
		id, err := entityID(env)
		if err != nil {
			return nil, err
		}
		return registry.GetRegistrant(ctx, meta(env), id)
	})

	r.Register(DeviceSubmit, func(ctx context.Context, env Envelope) (interface{}, error) {
		var p devicesPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		devices, err := registry.SubmitDevices(ctx, meta(env), service.DeviceSubmission{
			RegistrantEmail: env.Actor.Email,
			CSV:             p.CSV,
			Documents:       p.Documents,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"devices": devices, "count": len(devices)}, nil
	})

	reviewDevice := func(d workflow.Decision) HandlerFunc {
		return func(ctx context.Context, env Envelope) (interface{}, error) {
			var p decisionPayload
			if err := decode(env, &p); err != nil {
				return nil, err
			}
			if err := requireID("id", p.ID); err != nil {
				return nil, err
			}
			return registry.ReviewDevice(ctx, meta(env), p.ID, d, p.Notes)
		}
	}
	r.Register(DeviceApprove, reviewDevice(workflow.DecisionApproved))
	r.Register(DeviceReject, reviewDevice(workflow.DecisionRejected))

	r.Register(DeviceList, func(ctx context.Context, env Envelope) (interface{}, error) {
		p, err := listing(env)
		if err != nil {
			return nil, err
		}
		status, err := p.approvalStatus()
		if err != nil {
			return nil, err
		}
		return registry.ListDevices(ctx, meta(env), repository.DeviceFilter{
			Status:       status,
			RegistrantID: p.RegistrantID,
			Country:      p.Country,
		}, p.page())
	})

	r.Register(DeviceGet, func(ctx context.Context, env Envelope) (interface{}, error) {
		id, err := entityID(env)
		if err != nil {
			return nil, err
		}
		return registry.GetDevice(ctx, meta(env), id)
	})

	r.Register(IssuanceSubmit, func(ctx context.Context, env Envelope) (interface{}, error) {
		var p issuancePayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		if err := requireID("device_id", p.DeviceID); err != nil {
			return nil, err
		}
		return issuance.SubmitIssuance(ctx, meta(env), service.IssuanceRequest{
			RegistrantEmail: env.Actor.Email,
			DevicePK:        p.DeviceID,
			PeriodStart:     p.PeriodStart,
			PeriodEnd:       p.PeriodEnd,
			CSV:             p.CSV,
			CSVFilePath:     p.CSVFilePath,
			DeclarationPath: p.DeclarationPath,
		})
	})

	r.Register(IssuanceClaim, func(ctx context.Context, env Envelope) (interface{}, error) {
		p, err := submission(env)
		if err != nil {
			return nil, err
		}
		return review.Claim(ctx, meta(env), p.SubmissionID, p.ExpectedVersion)
	})

	r.Register(IssuanceReview, func(ctx context.Context, env Envelope) (interface{}, error) {
		var p reviewPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		if err := requireID("submission_id", p.SubmissionID); err != nil {
			return nil, err
		}
		decision, err := workflow.ParseDecision(strings.ToLower(strings.TrimSpace(p.Decision)))
		if err != nil {
			return nil, err
		}
		return review.Review(ctx, meta(env), p.SubmissionID, service.ReviewRequest{
			Decision:        decision,
			Checklist:       p.Checklist,
			Notes:           p.Notes,
			MeasurementTier: p.MeasurementTier,
			ExpectedVersion: p.ExpectedVersion,
		})
	})

	r.Register(IssuanceResolve, func(ctx context.Context, env Envelope) (interface{}, error) {
		p, err := submission(env)
		if err != nil {
			return nil, err
		}
		return review.ResolveDuplicate(ctx, meta(env), p.SubmissionID, p.Notes)
	})

	r.Register(IssuanceDelete, func(ctx context.Context, env Envelope) (interface{}, error) {
		p, err := submission(env)
		if err != nil {
			return nil, err
		}
		released, err := review.Delete(ctx, meta(env), p.SubmissionID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"deleted": p.SubmissionID, "ledger_entries_released": released}, nil
	})

	r.Register(IssuanceGet, func(ctx context.Context, env Envelope) (interface{}, error) {
		p, err := submission(env)
		if err != nil {
			return nil, err
		}
		return review.Get(ctx, p.SubmissionID)
	})

	r.Register(IssuanceList, func(ctx context.Context, env Envelope) (interface{}, error) {
		p, err := listing(env)
		if err != nil {
			return nil, err
		}
		status, err := p.submissionStatus()
		if err != nil {
			return nil, err
		}
		return review.List(ctx, meta(env), repository.SubmissionFilter{
			Status:       status,
			RegistrantID: p.RegistrantID,
			DevicePK:     p.DeviceID,
		}, p.page())
	})

	r.Register(IssuanceStatistics, func(ctx context.Context, env Envelope) (interface{}, error) {
		return review.Stats(ctx)
	})
}

func meta(env Envelope) service.Meta {
	return service.Meta{RequestID: env.RequestID, AdminID: env.Actor.AdminID}
}

func submission(env Envelope) (submissionPayload, error) {
	var p submissionPayload
	if err := decode(env, &p); err != nil {
		return p, err
	}
	return p, requireID("submission_id", p.SubmissionID)
}

// listing decodes optional listing filters. A missing payload lists everything.
func listing(env Envelope) (listPayload, error) {
	var p listPayload
	if !hasPayload(env) {
		return p, nil
	}
	err := decode(env, &p)
	return p, err
}

func entityID(env Envelope) (int64, error) {
	var p idPayload
	if err := decode(env, &p); err != nil {
		return 0, err
	}
	return p.ID, requireID("id", p.ID)
}

func requireID(field string, id int64) error {
	if id <= 0 {
		return apperr.Validation("invalid_id", field+" must be a positive integer",
			apperr.FieldError{Field: field, Message: "must be a positive integer"})
	}
	return nil
}
