package laika

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Object types consumed by the review engine. Connectors may produce other
// types; the engine ignores them.
const (
	TypeUser           = "user"
	TypeServiceAccount = "service_account"
)

var (
	ErrNotFound      = errors.New("laika: object not found")
	ErrExtractFailed = errors.New("laika: permission extraction failed")
)

// Object is an externally-sourced snapshot of an account at a vendor. The
// payload is opaque vendor JSON; the integration subsystem owns its shape.
type Object struct {
	ID             string
	OrganizationID string
	VendorID       string
	Type           string
	Data           map[string]any
	DeletedAt      *time.Time
}

// Deleted reports whether the connector has tombstoned this account.
func (o Object) Deleted() bool { return o.DeletedAt != nil }

// Reviewable reports whether the object participates in access reviews.
func (o Object) Reviewable() bool {
	return o.Type == TypeUser || o.Type == TypeServiceAccount
}

// Provider exposes the integration subsystem's snapshots.
type Provider interface {
	AccountsForVendor(ctx context.Context, orgID, vendorID string) ([]Object, error)
	Find(ctx context.Context, id string) (Object, error)
}

// Permissions extracts the canonical permissions value for an account: the
// Roles and Groups fields of the vendor payload, canonicalized so that key
// order and whitespace cannot produce false positives on comparison.
func (o Object) Permissions() (Value, error) {
	raw := map[string]any{}
	if v, ok := o.Data["Roles"]; ok {
		raw["roles"] = v
	}
	if v, ok := o.Data["Groups"]; ok {
		raw["groups"] = v
	}
	val, err := Canonical(raw)
	if err != nil {
		return Value{}, fmt.Errorf("%w: object %s: %v", ErrExtractFailed, o.ID, err)
	}
	return val, nil
}

// DisplayName derives the human-readable account name: Display Name when
// present, else First Name + Last Name, else the external id.
func (o Object) DisplayName() string {
	if name := stringField(o.Data, "Display Name"); name != "" {
		return name
	}
	first := stringField(o.Data, "First Name")
	last := stringField(o.Data, "Last Name")
	if full := strings.TrimSpace(first + " " + last); full != "" {
		return full
	}
	return stringField(o.Data, "External Id")
}

// Email returns the account email when the connector supplied one.
func (o Object) Email() string {
	return stringField(o.Data, "Email")
}

// RolesDisplay flattens Roles/Groups into a single comma-separated string
// for tabular output.
func (o Object) RolesDisplay() string {
	var parts []string
	for _, key := range []string{"Roles", "Groups"} {
		switch v := o.Data[key].(type) {
		case string:
			if v != "" {
				parts = append(parts, v)
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					parts = append(parts, s)
				}
			}
		case []string:
			for _, s := range v {
				if s != "" {
					parts = append(parts, s)
				}
			}
		}
	}
	return strings.Join(parts, ", ")
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	if s, ok := data[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
