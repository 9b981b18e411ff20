package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/zeitec/verifier-worker/internal/apperr"
	"github.com/zeitec/verifier-worker/tools/timeparser"
)

const (
	kwhScale      = 3
	capacityScale = 2
	dateLayout    = "2006-01-02"

	notAcceptedCountry = "is not an accepted country"
)

// maxKWh is the largest value NUMERIC(10,3) can hold
var maxKWh = decimal.RequireFromString("9999999.999")

// Rules holds the registry limits
type Rules struct {
	MaxCapacityKW    decimal.Decimal
	AllowedCountries []string
}

// Validator checks registrant applications, device rows and reading rows
type Validator struct {
	validate    *validator.Validate
	maxCapacity decimal.Decimal
	countries   map[string]struct{}
}

// NewValidator creates a new validator with the given registry rules
func NewValidator(rules Rules) (*Validator, error) {
	v := &Validator{
		validate:    validator.New(),
		maxCapacity: rules.MaxCapacityKW,
		countries:   make(map[string]struct{}, len(rules.AllowedCountries)),
	}
	for _, c := range rules.AllowedCountries {
		v.countries[strings.TrimSpace(c)] = struct{}{}
	}

	v.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	if err := v.validate.RegisterValidation("country", func(fl validator.FieldLevel) bool {
		return v.CountryAllowed(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("failed to register country validation: %w", err)
	}

	return v, nil
}

// CountryAllowed reports whether country is in the closed country set
func (v *Validator) CountryAllowed(country string) bool {
	_, ok := v.countries[country]
	return ok
}

// MaxCapacityKW returns the inclusive device capacity ceiling
func (v *Validator) MaxCapacityKW() decimal.Decimal {
	return v.maxCapacity
}

// RegistrantApplication is a public application to become a registrant
type RegistrantApplication struct {
	OrganizationName string           `json:"organization_name" validate:"required,max=200"`
	ContactPerson    string           `json:"contact_person" validate:"required,max=100"`
	Email            string           `json:"email" validate:"required,email,max=100"`
	Phone            string           `json:"phone" validate:"omitempty,max=20"`
	Country          string           `json:"country" validate:"required,country"`
	NumFacilities    *int             `json:"num_facilities" validate:"omitempty,gte=0"`
	TotalCapacityKW  *decimal.Decimal `json:"total_capacity_kw" validate:"-"`
	Description      string           `json:"description"`
	BusinessDocURL   string           `json:"business_doc_url" validate:"omitempty,max=500"`
}

// ValidateApplication checks a registrant application. An invalid country is
// an integrity error; every other failure is a validation error.
func (v *Validator) ValidateApplication(app RegistrantApplication) error {
	details := v.structErrors(0, app)
	if app.TotalCapacityKW != nil && app.TotalCapacityKW.IsNegative() {
		details = append(details, apperr.FieldError{Field: "total_capacity_kw", Message: "must not be negative"})
	}
	return classify("invalid_application", "registrant application is invalid", details)
}

// DeviceRow is one raw row of a device registry upload
type DeviceRow struct {
	Row                 int    `json:"-"`
	DeviceID            string `json:"deviceId" validate:"required,max=100"`
	FacilityID          string `json:"facilityId" validate:"required,max=100"`
	SerialNumber        string `json:"serialNumber" validate:"max=100"`
	Manufacturer        string `json:"manufacturer" validate:"max=100"`
	Model               string `json:"model" validate:"max=100"`
	CapacityKW          string `json:"capacityKW" validate:"required"`
	Technology          string `json:"technology" validate:"max=50"`
	Country             string `json:"country" validate:"required,country"`
	GridConnectionPoint string `json:"gridConnectionPoint" validate:"max=100"`
	CommissioningDate   string `json:"commissioningDate"`
}

// DeviceSpec is a validated device row
type DeviceSpec struct {
	Row                 int
	DeviceID            string
	FacilityID          string
	SerialNumber        string
	Manufacturer        string
	Model               string
	CapacityKW          decimal.Decimal
	Technology          string
	Country             string
	GridConnectionPoint string
	CommissioningDate   *time.Time
}

// ValidateDeviceRows validates a whole device file. Any failing row rejects
// the file; the error lists every offending row.
func (v *Validator) ValidateDeviceRows(rows []DeviceRow) ([]DeviceSpec, error) {
	var (
		specs   = make([]DeviceSpec, 0, len(rows))
		details []apperr.FieldError
		seen    = make(map[[2]string]int, len(rows))
	)

	for _, row := range rows {
		rowDetails := v.structErrors(row.Row, row)

		spec := DeviceSpec{
			Row:                 row.Row,
			DeviceID:            row.DeviceID,
			FacilityID:          row.FacilityID,
			SerialNumber:        row.SerialNumber,
			Manufacturer:        row.Manufacturer,
			Model:               row.Model,
			Technology:          row.Technology,
			Country:             row.Country,
			GridConnectionPoint: row.GridConnectionPoint,
		}

		if row.CapacityKW != "" {
			capacity, err := v.ParseCapacity(row.CapacityKW)
			if err != nil {
				rowDetails = append(rowDetails, apperr.FieldError{Row: row.Row, Field: "capacityKW", Message: err.Error()})
			}
			spec.CapacityKW = capacity
		}

		if row.CommissioningDate != "" {
			d, err := time.Parse(dateLayout, row.CommissioningDate)
			if err != nil {
				rowDetails = append(rowDetails, apperr.FieldError{Row: row.Row, Field: "commissioningDate", Message: "must be a YYYY-MM-DD date"})
			} else {
				spec.CommissioningDate = &d
			}
		}

		if row.DeviceID != "" && row.FacilityID != "" {
			k := [2]string{row.DeviceID, row.FacilityID}
			if first, dup := seen[k]; dup {
				rowDetails = append(rowDetails, apperr.FieldError{
					Row:     row.Row,
					Field:   "deviceId",
					Message: fmt.Sprintf("duplicate device/facility combination (first seen in row %d)", first),
				})
			} else {
				seen[k] = row.Row
			}
		}

		details = append(details, rowDetails...)
		specs = append(specs, spec)
	}

	if err := classify("invalid_devices", "device registry file is invalid", details); err != nil {
		return nil, err
	}
	return specs, nil
}

var errCapacityExceeded = errors.New("exceeds maximum capacity")

// ParseCapacity parses a device capacity and enforces the inclusive ceiling
func (v *Validator) ParseCapacity(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("must be a decimal number")
	}
	if !d.IsPositive() {
		return d, fmt.Errorf("must be greater than zero")
	}
	if d.GreaterThan(v.maxCapacity) {
		return d, fmt.Errorf("%w of %s kW (got %s kW)", errCapacityExceeded, v.maxCapacity.StringFixed(capacityScale), d.String())
	}
	if !d.Equal(d.Truncate(capacityScale)) {
		return d, fmt.Errorf("must have at most %d decimal places", capacityScale)
	}
	return d, nil
}

// ReadingRow is one raw row of an issuance upload
type ReadingRow struct {
	Row          int
	DeviceID     string
	Timestamp    string
	KWh          string
	AuditTrailID string
}

// ParsedReading is a structurally valid reading
type ParsedReading struct {
	Row          int
	DeviceID     string
	Timestamp    time.Time
	KWh          decimal.Decimal
	AuditTrailID string
}

// ValidateReadingRow checks that a reading row parses into its required fields
func (v *Validator) ValidateReadingRow(row ReadingRow) (ParsedReading, []apperr.FieldError) {
	parsed := ParsedReading{
		Row:          row.Row,
		DeviceID:     strings.TrimSpace(row.DeviceID),
		AuditTrailID: strings.ToLower(strings.TrimSpace(row.AuditTrailID)),
	}
	var details []apperr.FieldError

	if parsed.DeviceID == "" {
		details = append(details, apperr.FieldError{Row: row.Row, Field: "deviceId", Message: "is required"})
	}

	if row.Timestamp == "" {
		details = append(details, apperr.FieldError{Row: row.Row, Field: "timestamp", Message: "is required"})
	} else if ts, err := timeparser.ParseReadingTimestamp(row.Timestamp); err != nil {
		details = append(details, apperr.FieldError{Row: row.Row, Field: "timestamp", Message: "unrecognized timestamp format"})
	} else {
		parsed.Timestamp = ts
	}

	if row.KWh == "" {
		details = append(details, apperr.FieldError{Row: row.Row, Field: "kWh", Message: "is required"})
	} else if kwh, err := ParseKWh(row.KWh); err != nil {
		details = append(details, apperr.FieldError{Row: row.Row, Field: "kWh", Message: err.Error()})
	} else {
		parsed.KWh = kwh
	}

	return parsed, details
}

// ParseKWh parses an energy value: non-negative, at most 3 decimal places,
// and within NUMERIC(10,3).
func ParseKWh(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("must be a decimal number")
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("must not be negative")
	}
	if !d.Equal(d.Truncate(kwhScale)) {
		return decimal.Zero, fmt.Errorf("must have at most %d decimal places", kwhScale)
	}
	if d.GreaterThan(maxKWh) {
		return decimal.Zero, fmt.Errorf("exceeds %s", maxKWh.String())
	}
	return d, nil
}

func (v *Validator) structErrors(row int, s interface{}) []apperr.FieldError {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []apperr.FieldError{{Row: row, Message: err.Error()}}
	}

	details := make([]apperr.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, apperr.FieldError{Row: row, Field: fe.Field(), Message: describe(fe)})
	}
	return details
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "country":
		return fmt.Sprintf("%q %s", fe.Value(), notAcceptedCountry)
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}

// integrityField marks details that break a registry invariant rather than
// the file format.
func integrityField(d apperr.FieldError) bool {
	switch d.Field {
	case "country":
		return strings.HasSuffix(d.Message, notAcceptedCountry)
	case "capacityKW":
		return strings.HasPrefix(d.Message, errCapacityExceeded.Error())
	}
	return false
}

func classify(code, message string, details []apperr.FieldError) error {
	if len(details) == 0 {
		return nil
	}
	for _, d := range details {
		if integrityField(d) {
			return apperr.Integrity(code, message, details...)
		}
	}
	return apperr.Validation(code, message, details...)
}
