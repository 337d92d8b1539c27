package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"accessreview.org/internal/review"
)

// Store is the durable review.Store backed by postgres. Multi-entity
// transitions run in a single transaction holding a row lock on the
// review, so concurrent workers on the same review serialize while
// disjoint reviews proceed in parallel.
type Store struct {
	db *sql.DB
}

var _ review.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle (tests inject sqlmock through here).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Preferences(ctx context.Context) review.PreferenceStore { return prefStore{s.db} }
func (s *Store) Reviews(ctx context.Context) review.ReviewStore         { return reviewStore{s.db} }
func (s *Store) Scopes(ctx context.Context) review.ScopeStore           { return scopeStore{s.db} }
func (s *Store) Objects(ctx context.Context) review.ObjectStore         { return objectStore{s.db} }
func (s *Store) Events(ctx context.Context) review.EventStore           { return eventStore{s.db} }
func (s *Store) Users(ctx context.Context) review.UserStore             { return userStore{s.db} }

// --- preferences ---

type prefStore struct{ db *sql.DB }

func (p prefStore) Get(ctx context.Context, orgID string) (review.Preference, error) {
	var pref review.Preference
	pref.OrganizationID = orgID
	err := p.db.QueryRowContext(ctx, `
		select frequency, criticality, due_date, created_at, updated_at
		from access_review_preferences where organization_id=$1
	`, orgID).Scan(&pref.Frequency, &pref.Criticality, &pref.DueDate, &pref.CreatedAt, &pref.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return review.Preference{}, review.ErrNotConfigured
	}
	if err != nil {
		return review.Preference{}, err
	}
	return pref, nil
}

func (p prefStore) Upsert(ctx context.Context, pref review.Preference) error {
	_, err := p.db.ExecContext(ctx, `
		insert into access_review_preferences(organization_id, frequency, criticality, due_date, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (organization_id) do update
		set frequency=excluded.frequency, criticality=excluded.criticality,
		    due_date=excluded.due_date, updated_at=excluded.updated_at
	`, pref.OrganizationID, pref.Frequency, pref.Criticality, pref.DueDate, pref.CreatedAt, pref.UpdatedAt)
	return err
}

func (p prefStore) ListVendorPreferences(ctx context.Context, orgID string) ([]review.VendorPreference, error) {
	rows, err := p.db.QueryContext(ctx, `
		select vendor_id, vendor_name, in_scope, reviewer_ids, coalesce(organization_vendor_id,'')
		from access_review_vendor_preferences
		where organization_id=$1
		order by vendor_id asc
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []review.VendorPreference
	for rows.Next() {
		vp := review.VendorPreference{OrganizationID: orgID}
		var reviewers []byte
		if err := rows.Scan(&vp.VendorID, &vp.VendorName, &vp.InScope, &reviewers, &vp.OrganizationVendorID); err != nil {
			return nil, err
		}
		if vp.ReviewerIDs, err = decodeIDs(reviewers); err != nil {
			return nil, err
		}
		out = append(out, vp)
	}
	return out, rows.Err()
}

func (p prefStore) UpsertVendorPreference(ctx context.Context, pref review.VendorPreference) error {
	reviewers, err := encodeIDs(pref.ReviewerIDs)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		insert into access_review_vendor_preferences(organization_id, vendor_id, vendor_name, in_scope, reviewer_ids, organization_vendor_id)
		values ($1,$2,$3,$4,$5,nullif($6,''))
		on conflict (organization_id, vendor_id) do update
		set vendor_name=excluded.vendor_name, in_scope=excluded.in_scope,
		    reviewer_ids=excluded.reviewer_ids, organization_vendor_id=excluded.organization_vendor_id
	`, pref.OrganizationID, pref.VendorID, pref.VendorName, pref.InScope, reviewers, pref.OrganizationVendorID)
	return err
}

func (p prefStore) IntegratedVendorIDs(ctx context.Context, orgID string) (map[string]struct{}, error) {
	rows, err := p.db.QueryContext(ctx, `
		select distinct vendor_id from organization_integrations
		where organization_id=$1 and active
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// --- reviews ---

type reviewStore struct{ db *sql.DB }

func (r reviewStore) Create(ctx context.Context, rev *review.Review, scopes []review.VendorScope, objects []review.AccountObject, event review.UserEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into access_reviews(id, organization_id, name, status, created_at, created_by, due_date)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, rev.ID, rev.OrganizationID, rev.Name, rev.Status, rev.CreatedAt, rev.CreatedBy, rev.DueDate); err != nil {
		// A partial unique index guards one in-progress review per org.
		if isUniqueViolation(err) {
			return review.ErrAlreadyRunning
		}
		return err
	}
	for _, sc := range scopes {
		if _, err := tx.ExecContext(ctx, `
			insert into access_review_vendors(id, review_id, vendor_id, vendor_name, source, status)
			values ($1,$2,$3,$4,$5,$6)
		`, sc.ID, sc.ReviewID, sc.VendorID, sc.VendorName, sc.Source, sc.Status); err != nil {
			return err
		}
	}
	for _, obj := range objects {
		if err := insertObject(ctx, tx, obj); err != nil {
			return err
		}
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func (r reviewStore) Find(ctx context.Context, id string) (review.Review, error) {
	return findReview(ctx, r.db, id)
}

func (r reviewStore) FindInProgress(ctx context.Context, orgID string) (review.Review, bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		select id from access_reviews
		where organization_id=$1 and status='in_progress'
	`, orgID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return review.Review{}, false, nil
	}
	if err != nil {
		return review.Review{}, false, err
	}
	rev, err := findReview(ctx, r.db, id)
	if err != nil {
		return review.Review{}, false, err
	}
	return rev, true, nil
}

func (r reviewStore) Cancel(ctx context.Context, reviewID string, completedAt time.Time, event review.UserEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	status, err := lockReview(ctx, tx, reviewID)
	if err != nil {
		return err
	}
	if status == review.StatusCanceled {
		return tx.Commit()
	}
	if status == review.StatusDone {
		return review.ErrTerminal
	}
	if _, err := tx.ExecContext(ctx, `
		update access_reviews set status='canceled', completed_at=$2 where id=$1
	`, reviewID, completedAt); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func (r reviewStore) Complete(ctx context.Context, reviewID, finalReportURL string, completedAt time.Time, snapshots map[string]json.RawMessage, event review.UserEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	status, err := lockReview(ctx, tx, reviewID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return review.ErrTerminal
	}

	rows, err := tx.QueryContext(ctx, `
		select id from access_review_vendors
		where review_id=$1 and status <> 'completed'
		order by id asc
	`, reviewID)
	if err != nil {
		return err
	}
	var incomplete []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		incomplete = append(incomplete, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(incomplete) > 0 {
		return &review.VendorsIncompleteError{ScopeIDs: incomplete}
	}

	for objID, snapshot := range snapshots {
		res, err := tx.ExecContext(ctx, `
			update access_review_objects set final_snapshot=$2, updated_at=$3 where id=$1
		`, objID, []byte(snapshot), completedAt)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: object %s", review.ErrNotFound, objID)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		update access_reviews set status='done', completed_at=$2, final_report_url=$3 where id=$1
	`, reviewID, completedAt, finalReportURL); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

// --- scopes ---

type scopeStore struct{ db *sql.DB }

const scopeColumns = `id, review_id, vendor_id, vendor_name, source, status, synced_at`

func (s scopeStore) Find(ctx context.Context, id string) (review.VendorScope, error) {
	sc, err := scanScope(s.db.QueryRowContext(ctx, `
		select `+scopeColumns+` from access_review_vendors where id=$1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return review.VendorScope{}, review.ErrNotFound
	}
	return sc, err
}

func (s scopeStore) ListByReview(ctx context.Context, reviewID string) ([]review.VendorScope, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+scopeColumns+` from access_review_vendors
		where review_id=$1 order by id asc
	`, reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []review.VendorScope
	for rows.Next() {
		sc, err := scanScope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s scopeStore) Complete(ctx context.Context, scopeID string, event review.UserEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, scopeStatus, reviewStatus, err := lockScope(ctx, tx, scopeID)
	if err != nil {
		return err
	}
	if reviewStatus.Terminal() {
		return review.ErrTerminal
	}
	if scopeStatus == review.ScopeCompleted {
		return tx.Commit()
	}

	rows, err := tx.QueryContext(ctx, `
		select id from access_review_objects
		where scope_id=$1 and not is_confirmed
		order by id asc
	`, scopeID)
	if err != nil {
		return err
	}
	var unconfirmed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		unconfirmed = append(unconfirmed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(unconfirmed) > 0 {
		return &review.UnconfirmedAccountsError{ObjectIDs: unconfirmed}
	}

	if _, err := tx.ExecContext(ctx, `
		update access_review_vendors set status='completed' where id=$1
	`, scopeID); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

// --- objects ---

type objectStore struct{ db *sql.DB }

const objectColumns = `id, scope_id, laika_object_id, status, original_access, latest_access,
	final_snapshot, is_confirmed, coalesce(notes,''), coalesce(note_attachment_url,''),
	coalesce(evidence_url,''), coalesce(evidence_type,''), updated_at`

func (o objectStore) Find(ctx context.Context, id string) (review.AccountObject, error) {
	obj, err := scanObject(o.db.QueryRowContext(ctx, `
		select `+objectColumns+` from access_review_objects where id=$1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return review.AccountObject{}, review.ErrNotFound
	}
	return obj, err
}

func (o objectStore) ListByScope(ctx context.Context, scopeID string) ([]review.AccountObject, error) {
	rows, err := o.db.QueryContext(ctx, `
		select `+objectColumns+` from access_review_objects
		where scope_id=$1 order by id asc
	`, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []review.AccountObject
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

func (o objectStore) ApplyReconciliation(ctx context.Context, scopeID string, syncedAt time.Time, updates []review.AccountObject) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, _, reviewStatus, err := lockScope(ctx, tx, scopeID)
	if err != nil {
		return err
	}
	if reviewStatus.Terminal() {
		return review.ErrTerminal
	}

	for _, obj := range updates {
		res, err := tx.ExecContext(ctx, `
			update access_review_objects
			set status=$3, original_access=$4, latest_access=$5, is_confirmed=$6,
			    evidence_url=nullif($7,''), evidence_type=nullif($8,''), updated_at=$9
			where id=$1 and scope_id=$2
		`, obj.ID, scopeID, obj.Status, rawOrNil(obj.OriginalAccess), rawOrNil(obj.LatestAccess),
			obj.Confirmed, obj.EvidenceURL, string(obj.EvidenceType), obj.UpdatedAt)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: object %s", review.ErrNotFound, obj.ID)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		update access_review_vendors
		set synced_at=$2,
		    status=case when status='not_started' then 'in_progress' else status end
		where id=$1
	`, scopeID, syncedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (o objectStore) UpdateReview(ctx context.Context, obj review.AccountObject, events []review.UserEvent) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var scopeID string
	err = tx.QueryRowContext(ctx, `
		select scope_id from access_review_objects where id=$1
	`, obj.ID).Scan(&scopeID)
	if errors.Is(err, sql.ErrNoRows) {
		return review.ErrNotFound
	}
	if err != nil {
		return err
	}
	_, scopeStatus, reviewStatus, err := lockScope(ctx, tx, scopeID)
	if err != nil {
		return err
	}
	if reviewStatus.Terminal() || scopeStatus == review.ScopeCompleted {
		return review.ErrTerminal
	}

	if _, err := tx.ExecContext(ctx, `
		update access_review_objects
		set status=$2, original_access=$3, latest_access=$4, is_confirmed=$5,
		    notes=nullif($6,''), note_attachment_url=nullif($7,''),
		    evidence_url=nullif($8,''), evidence_type=nullif($9,''), updated_at=$10
		where id=$1
	`, obj.ID, obj.Status, rawOrNil(obj.OriginalAccess), rawOrNil(obj.LatestAccess),
		obj.Confirmed, obj.Notes, obj.NoteAttachmentURL, obj.EvidenceURL,
		string(obj.EvidenceType), obj.UpdatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update access_review_vendors set status='in_progress'
		where id=$1 and status='not_started'
	`, scopeID); err != nil {
		return err
	}
	for _, ev := range events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- events ---

type eventStore struct{ db *sql.DB }

func (e eventStore) Append(ctx context.Context, event review.UserEvent) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	status, err := lockReview(ctx, tx, event.ReviewID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return review.ErrTerminal
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func (e eventStore) ListByReview(ctx context.Context, reviewID string) ([]review.UserEvent, error) {
	rows, err := e.db.QueryContext(ctx, `
		select id, review_id, coalesce(scope_id,''), actor_id, event_type, object_ids, occurred_at
		from user_events
		where review_id=$1
		order by occurred_at asc, id asc
	`, reviewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []review.UserEvent
	for rows.Next() {
		var ev review.UserEvent
		var objectIDs []byte
		if err := rows.Scan(&ev.ID, &ev.ReviewID, &ev.ScopeID, &ev.ActorID, &ev.Type, &objectIDs, &ev.OccurredAt); err != nil {
			return nil, err
		}
		if ev.ObjectIDs, err = decodeIDs(objectIDs); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- users ---

type userStore struct{ db *sql.DB }

func (u userStore) Find(ctx context.Context, id string) (review.User, error) {
	var usr review.User
	usr.ID = id
	err := u.db.QueryRowContext(ctx, `
		select coalesce(email,''), coalesce(first_name,''), coalesce(last_name,'')
		from users where id=$1
	`, id).Scan(&usr.Email, &usr.FirstName, &usr.LastName)
	if errors.Is(err, sql.ErrNoRows) {
		return review.User{}, review.ErrNotFound
	}
	if err != nil {
		return review.User{}, err
	}
	return usr, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func findReview(ctx context.Context, db *sql.DB, id string) (review.Review, error) {
	var rev review.Review
	err := db.QueryRowContext(ctx, `
		select id, organization_id, name, status, created_at, created_by, due_date, completed_at, coalesce(final_report_url,'')
		from access_reviews where id=$1
	`, id).Scan(&rev.ID, &rev.OrganizationID, &rev.Name, &rev.Status, &rev.CreatedAt,
		&rev.CreatedBy, &rev.DueDate, &rev.CompletedAt, &rev.FinalReportURL)
	if errors.Is(err, sql.ErrNoRows) {
		return review.Review{}, review.ErrNotFound
	}
	return rev, err
}

// lockReview takes the review's row lock for the span of the transaction.
func lockReview(ctx context.Context, tx *sql.Tx, reviewID string) (review.Status, error) {
	var status review.Status
	err := tx.QueryRowContext(ctx, `
		select status from access_reviews where id=$1 for update
	`, reviewID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", review.ErrNotFound
	}
	return status, err
}

// lockScope locks the parent review through the scope and returns both
// statuses.
func lockScope(ctx context.Context, tx *sql.Tx, scopeID string) (string, review.ScopeStatus, review.Status, error) {
	var reviewID string
	var scopeStatus review.ScopeStatus
	err := tx.QueryRowContext(ctx, `
		select review_id, status from access_review_vendors where id=$1
	`, scopeID).Scan(&reviewID, &scopeStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", "", review.ErrNotFound
	}
	if err != nil {
		return "", "", "", err
	}
	reviewStatus, err := lockReview(ctx, tx, reviewID)
	if err != nil {
		return "", "", "", err
	}
	return reviewID, scopeStatus, reviewStatus, nil
}

func insertObject(ctx context.Context, tx *sql.Tx, obj review.AccountObject) error {
	_, err := tx.ExecContext(ctx, `
		insert into access_review_objects(id, scope_id, laika_object_id, status, original_access, latest_access,
			final_snapshot, is_confirmed, notes, note_attachment_url, evidence_url, evidence_type, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,nullif($9,''),nullif($10,''),nullif($11,''),nullif($12,''),$13)
	`, obj.ID, obj.ScopeID, obj.LaikaObjectID, obj.Status, rawOrNil(obj.OriginalAccess),
		rawOrNil(obj.LatestAccess), rawOrNil(obj.FinalSnapshot), obj.Confirmed, obj.Notes,
		obj.NoteAttachmentURL, obj.EvidenceURL, string(obj.EvidenceType), obj.UpdatedAt)
	return err
}

// insertEvent appends to the trail. There is no update; the table only
// grows.
func insertEvent(ctx context.Context, tx *sql.Tx, ev review.UserEvent) error {
	objectIDs, err := encodeIDs(ev.ObjectIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into user_events(id, review_id, scope_id, actor_id, event_type, object_ids, occurred_at)
		values ($1,$2,nullif($3,''),$4,$5,$6,$7)
	`, ev.ID, ev.ReviewID, ev.ScopeID, ev.ActorID, ev.Type, objectIDs, ev.OccurredAt)
	return err
}

func scanScope(row rowScanner) (review.VendorScope, error) {
	var sc review.VendorScope
	err := row.Scan(&sc.ID, &sc.ReviewID, &sc.VendorID, &sc.VendorName, &sc.Source, &sc.Status, &sc.SyncedAt)
	return sc, err
}

func scanObject(row rowScanner) (review.AccountObject, error) {
	var obj review.AccountObject
	var original, latest, final []byte
	var evidenceType string
	err := row.Scan(&obj.ID, &obj.ScopeID, &obj.LaikaObjectID, &obj.Status, &original, &latest,
		&final, &obj.Confirmed, &obj.Notes, &obj.NoteAttachmentURL, &obj.EvidenceURL,
		&evidenceType, &obj.UpdatedAt)
	if err != nil {
		return review.AccountObject{}, err
	}
	obj.OriginalAccess = json.RawMessage(original)
	obj.LatestAccess = json.RawMessage(latest)
	obj.FinalSnapshot = json.RawMessage(final)
	obj.EvidenceType = review.ObjectStatus(evidenceType)
	return obj, nil
}

func encodeIDs(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

func decodeIDs(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

func rawOrNil(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return []byte(raw)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
