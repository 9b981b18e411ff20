package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/zeitec/verifier-worker/internal/apperr"
	"github.com/zeitec/verifier-worker/internal/db"
	"github.com/zeitec/verifier-worker/internal/workflow"
)

// Paging limits for listings
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is a window over a listing ordered newest first
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Normalize applies the default size and clamps out-of-range values
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// SubmissionFilter narrows a submission listing. Zero values match everything.
type SubmissionFilter struct {
	Status       workflow.SubmissionStatus
	RegistrantID int64
	DevicePK     int64
}

// DeviceFilter narrows a device listing. Zero values match everything.
type DeviceFilter struct {
	Status       workflow.ApprovalStatus
	RegistrantID int64
	Country      string
}

// RegistrantFilter narrows a registrant listing. Search matches the
// organization name, contact person or email, case-insensitively.
type RegistrantFilter struct {
	Status  workflow.ApprovalStatus
	Country string
	Search  string
}

// where collects numbered predicates for a listing query
type where struct {
	clauses []string
	args    []interface{}
}

// add appends a predicate. Every %d in expr is replaced by the argument's
// placeholder number.
func (w *where) add(expr string, arg interface{}) {
	w.args = append(w.args, arg)
	n := len(w.args)
	w.clauses = append(w.clauses, strings.ReplaceAll(expr, "%d", fmt.Sprint(n)))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// window renders the paging clause after the filter arguments
func (w *where) window(p Page) (string, []interface{}) {
	n := len(w.args)
	args := append(append([]interface{}{}, w.args...), p.Limit, p.Offset)
	return fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", n+1, n+2), args
}

func submissionWhere(f SubmissionFilter) *where {
	w := &where{}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.RegistrantID != 0 {
		w.add("registrant_id = $%d", f.RegistrantID)
	}
	if f.DevicePK != 0 {
		w.add("device_id = $%d", f.DevicePK)
	}
	return w
}

func deviceWhere(f DeviceFilter) *where {
	w := &where{}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.RegistrantID != 0 {
		w.add("registrant_id = $%d", f.RegistrantID)
	}
	if f.Country != "" {
		w.add("country = $%d", f.Country)
	}
	return w
}

func registrantWhere(f RegistrantFilter) *where {
	w := &where{}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.Country != "" {
		w.add("country = $%d", f.Country)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		w.add("(organization_name ILIKE $%d OR contact_person ILIKE $%d OR email ILIKE $%d)", "%"+escapeLike(s)+"%")
	}
	return w
}

// escapeLike makes s match literally inside an ILIKE pattern
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *Repository) count(ctx context.Context, table string, w *where) (int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table+w.String(), w.args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return total, nil
}

// ListSubmissions returns one page of submissions and the number matching the filter
func (r *Repository) ListSubmissions(ctx context.Context, f SubmissionFilter, p Page) ([]db.IssuanceSubmission, int64, error) {
	w := submissionWhere(f)
	total, err := r.count(ctx, "issuance_submissions", w)
	if err != nil {
		return nil, 0, err
	}

	window, args := w.window(p.Normalize())
	rows, err := r.pool.Query(ctx, `SELECT `+submissionColumns+` FROM issuance_submissions`+w.String()+window, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	subs := make([]db.IssuanceSubmission, 0)
	for rows.Next() {
		s, err := scanSubmission(rows, 0)
		if err != nil {
			return nil, 0, err
		}
		subs = append(subs, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list submissions: %w", err)
	}
	return subs, total, nil
}

// ListDevices returns one page of devices and the number matching the filter
func (r *Repository) ListDevices(ctx context.Context, f DeviceFilter, p Page) ([]db.Device, int64, error) {
	w := deviceWhere(f)
	total, err := r.count(ctx, "devices", w)
	if err != nil {
		return nil, 0, err
	}

	window, args := w.window(p.Normalize())
	rows, err := r.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices`+w.String()+window, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]db.Device, 0)
	for rows.Next() {
		d, err := r.device(rows, 0)
		if err != nil {
			return nil, 0, err
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, total, nil
}

// ListRegistrants returns one page of registrants and the number matching the filter
func (r *Repository) ListRegistrants(ctx context.Context, f RegistrantFilter, p Page) ([]db.Registrant, int64, error) {
	w := registrantWhere(f)
	total, err := r.count(ctx, "registrants", w)
	if err != nil {
		return nil, 0, err
	}

	window, args := w.window(p.Normalize())
	rows, err := r.pool.Query(ctx, `SELECT `+registrantColumns+` FROM registrants`+w.String()+window, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list registrants: %w", err)
	}
	defer rows.Close()

	regs := make([]db.Registrant, 0)
	for rows.Next() {
		reg, err := scanRegistrant(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan registrant: %w", err)
		}
		regs = append(regs, *reg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list registrants: %w", err)
	}
	return regs, total, nil
}

// GetRegistrant loads a registrant by primary key
func (r *Repository) GetRegistrant(ctx context.Context, id int64) (*db.Registrant, error) {
	query := `SELECT ` + registrantColumns + ` FROM registrants WHERE id = $1`
	reg, err := scanRegistrant(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("registrant_not_found", fmt.Sprintf("registrant %d does not exist", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query registrant: %w", err)
	}
	return reg, nil
}

// ListDeviceDocuments returns the documents attached to a device, oldest first
func (r *Repository) ListDeviceDocuments(ctx context.Context, devicePK int64) ([]db.DeviceDocument, error) {
	query := `
		SELECT id, device_id, document_type, file_name, file_path,
			COALESCE(file_hash, ''), COALESCE(file_size, 0), COALESCE(mime_type, ''), uploaded_at
		FROM device_documents
		WHERE device_id = $1
		ORDER BY uploaded_at, id
	`

	rows, err := r.pool.Query(ctx, query, devicePK)
	if err != nil {
		return nil, fmt.Errorf("failed to list device documents: %w", err)
	}
	defer rows.Close()

	docs := make([]db.DeviceDocument, 0)
	for rows.Next() {
		var d db.DeviceDocument
		if err := rows.Scan(&d.ID, &d.DeviceID, &d.DocumentType, &d.FileName, &d.FilePath,
			&d.FileHash, &d.FileSize, &d.MimeType, &d.UploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list device documents: %w", err)
	}
	return docs, nil
}
