package hookdb

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const opaqueIDPrefix = "svi_"

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

type Organization struct {
	ID                    int64      `json:"id"`
	Key                   string     `json:"key"`
	Name                  string     `json:"name"`
	BillingEmail          string     `json:"billing_email,omitempty"`
	AdminConnectionURL    string     `json:"-"`
	ReadonlyConnectionURL string     `json:"-"`
	SoftDeletedAt         *time.Time `json:"soft_deleted_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

func (o *Organization) Validate() error {
	if strings.TrimSpace(o.Key) == "" {
		return fmt.Errorf("%w: organization key is required", ErrInvalidInput)
	}
	if (o.AdminConnectionURL == "") != (o.ReadonlyConnectionURL == "") {
		return fmt.Errorf("%w: admin and readonly connection urls must be set together", ErrInvalidInput)
	}
	return nil
}

func (o *Organization) HasDatabase() bool {
	return o.AdminConnectionURL != "" && o.ReadonlyConnectionURL != ""
}

type ServiceIntegration struct {
	ID               int64      `json:"-"`
	OpaqueID         string     `json:"opaque_id"`
	OrganizationID   int64      `json:"-"`
	ServiceName      string     `json:"service_name"`
	TableName        string     `json:"table_name"`
	WebhookSecret    string     `json:"-"`
	BackfillKey      string     `json:"-"`
	BackfillSecret   string     `json:"-"`
	APIURL           string     `json:"api_url,omitempty"`
	DependsOnID      *int64     `json:"-"`
	LastBackfilledAt *time.Time `json:"last_backfilled_at,omitempty"`
	SoftDeletedAt    *time.Time `json:"soft_deleted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (s *ServiceIntegration) Deleted() bool {
	return s.SoftDeletedAt != nil
}

func (s *ServiceIntegration) Clone() *ServiceIntegration {
	out := *s
	if s.DependsOnID != nil {
		id := *s.DependsOnID
		out.DependsOnID = &id
	}
	if s.LastBackfilledAt != nil {
		t := *s.LastBackfilledAt
		out.LastBackfilledAt = &t
	}
	if s.SoftDeletedAt != nil {
		t := *s.SoftDeletedAt
		out.SoftDeletedAt = &t
	}
	return &out
}

func (s *ServiceIntegration) Validate() error {
	if !strings.HasPrefix(s.OpaqueID, opaqueIDPrefix) {
		return fmt.Errorf("%w: opaque id %q is malformed", ErrInvalidInput, s.OpaqueID)
	}
	if strings.TrimSpace(s.ServiceName) == "" {
		return fmt.Errorf("%w: service name is required", ErrInvalidInput)
	}
	if !IsValidIdentifier(s.TableName) {
		return fmt.Errorf("%w: table name %q is not a valid identifier", ErrInvalidInput, s.TableName)
	}
	return nil
}

type WebhookLogEntry struct {
	ID             int64             `json:"id"`
	OpaqueID       string            `json:"opaque_id"`
	OrganizationID *int64            `json:"organization_id,omitempty"`
	RequestBody    string            `json:"request_body"`
	RequestHeaders map[string]string `json:"request_headers"`
	RequestMethod  string            `json:"request_method"`
	RequestPath    string            `json:"request_path"`
	ResponseStatus int               `json:"response_status"`
	InsertedAt     time.Time         `json:"inserted_at"`
}

func (e *WebhookLogEntry) HeadersJSON() string {
	raw, err := json.Marshal(e.RequestHeaders)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func NewOpaqueID() string {
	id := uuid.New()
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(id[:])
	return opaqueIDPrefix + strings.ToLower(enc[:24])
}

func NewTableName(serviceName string) (string, error) {
	var suffix [2]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", err
	}
	name := strings.ToLower(serviceName) + "_" + hex.EncodeToString(suffix[:])
	if !IsValidIdentifier(name) {
		return "", fmt.Errorf("%w: cannot derive a table name from %q", ErrInvalidInput, serviceName)
	}
	return name, nil
}

func IsValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}
