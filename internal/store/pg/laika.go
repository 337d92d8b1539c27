package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"accessreview.org/internal/laika"
)

// LaikaProvider reads account snapshots synced by the integration
// subsystem into the laika_objects table.
type LaikaProvider struct {
	db *sql.DB
}

var _ laika.Provider = (*LaikaProvider)(nil)

func NewLaikaProvider(db *sql.DB) *LaikaProvider { return &LaikaProvider{db: db} }

const laikaColumns = `id, organization_id, vendor_id, object_type, data, deleted_at`

func (p *LaikaProvider) AccountsForVendor(ctx context.Context, orgID, vendorID string) ([]laika.Object, error) {
	rows, err := p.db.QueryContext(ctx, `
		select `+laikaColumns+`
		from laika_objects
		where organization_id = $1 and vendor_id = $2
		order by id`, orgID, vendorID)
	if err != nil {
		return nil, fmt.Errorf("list laika objects: %w", err)
	}
	defer rows.Close()

	var objs []laika.Object
	for rows.Next() {
		obj, err := scanLaikaObject(rows)
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	return objs, rows.Err()
}

func (p *LaikaProvider) Find(ctx context.Context, id string) (laika.Object, error) {
	row := p.db.QueryRowContext(ctx, `
		select `+laikaColumns+`
		from laika_objects
		where id = $1`, id)
	obj, err := scanLaikaObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return laika.Object{}, laika.ErrNotFound
	}
	return obj, err
}

func scanLaikaObject(row rowScanner) (laika.Object, error) {
	var (
		obj       laika.Object
		data      []byte
		deletedAt sql.NullTime
	)
	if err := row.Scan(&obj.ID, &obj.OrganizationID, &obj.VendorID, &obj.Type, &data, &deletedAt); err != nil {
		return laika.Object{}, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &obj.Data); err != nil {
			return laika.Object{}, fmt.Errorf("laika object %s: decode data: %w", obj.ID, err)
		}
	}
	if deletedAt.Valid {
		at := deletedAt.Time.UTC()
		obj.DeletedAt = &at
	}
	return obj, nil
}

// UpsertObject writes one synced snapshot. Used by sync tooling and seeds.
func (p *LaikaProvider) UpsertObject(ctx context.Context, obj laika.Object) error {
	data, err := json.Marshal(obj.Data)
	if err != nil {
		return fmt.Errorf("laika object %s: encode data: %w", obj.ID, err)
	}
	var deletedAt any
	if obj.DeletedAt != nil {
		deletedAt = obj.DeletedAt.UTC()
	}
	_, err = p.db.ExecContext(ctx, `
		insert into laika_objects (id, organization_id, vendor_id, object_type, data, deleted_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (id) do update set
			organization_id = excluded.organization_id,
			vendor_id = excluded.vendor_id,
			object_type = excluded.object_type,
			data = excluded.data,
			deleted_at = excluded.deleted_at`,
		obj.ID, obj.OrganizationID, obj.VendorID, obj.Type, data, deletedAt)
	return err
}

// TombstoneObject marks an account as removed at the vendor.
func (p *LaikaProvider) TombstoneObject(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`update laika_objects set deleted_at = $2 where id = $1`, id, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return laika.ErrNotFound
	}
	return nil
}
