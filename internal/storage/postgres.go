package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres implements the Store interface backed by PostgreSQL.
type postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Media library (canonical assets on a governing node, local copies on a brand node)
		CREATE TABLE IF NOT EXISTS attachments (
		    id BIGSERIAL PRIMARY KEY,
		    title TEXT NOT NULL DEFAULT '',
		    alt_text TEXT NOT NULL DEFAULT '',
		    caption TEXT NOT NULL DEFAULT '',
		    description TEXT NOT NULL DEFAULT '',
		    terms TEXT[] NOT NULL DEFAULT '{}',
		    mime_type TEXT NOT NULL DEFAULT '',      -- Copied out of file for filtering
		    file JSONB NOT NULL,                     -- Current FileSnapshot
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_mime_type ON attachments(mime_type);

		-- is_sync flag of canonical assets
		CREATE TABLE IF NOT EXISTS sync_flags (
		    attachment_id BIGINT PRIMARY KEY
		);

		-- Brand bindings; position keeps insertion order across upserts
		CREATE TABLE IF NOT EXISTS bindings (
		    attachment_id BIGINT NOT NULL,
		    site_key TEXT NOT NULL,                  -- lower(normalized site url)
		    site_url TEXT NOT NULL,
		    remote_id BIGINT NOT NULL,
		    mode TEXT NOT NULL,
		    position BIGSERIAL,
		    PRIMARY KEY (attachment_id, site_key)
		);

		-- Shared media index: every brand copy of a canonical asset
		CREATE TABLE IF NOT EXISTS shared_media_index (
		    attachment_id BIGINT NOT NULL,
		    site_key TEXT NOT NULL,
		    site_url TEXT NOT NULL,
		    remote_id BIGINT NOT NULL,
		    PRIMARY KEY (attachment_id, site_key)
		);

		-- Version history, newest first
		CREATE TABLE IF NOT EXISTS version_history (
		    attachment_id BIGINT PRIMARY KEY,
		    versions JSONB NOT NULL
		);

		-- Registered brand endpoints (governing)
		CREATE TABLE IF NOT EXISTS brand_endpoints (
		    id TEXT PRIMARY KEY,
		    position BIGSERIAL,
		    name TEXT NOT NULL,
		    url TEXT NOT NULL,
		    url_key TEXT NOT NULL UNIQUE,
		    api_key TEXT NOT NULL                    -- Sealed
		);

		-- Local sync mode of received media (brand)
		CREATE TABLE IF NOT EXISTS local_sync_status (
		    local_id BIGINT PRIMARY KEY,
		    mode TEXT NOT NULL
		);

		-- Canonical id to local id (brand)
		CREATE TABLE IF NOT EXISTS attachment_key_map (
		    canonical_id BIGINT PRIMARY KEY,
		    local_id BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attachment_key_map_local ON attachment_key_map(local_id);

		-- Single-valued node settings such as the governing site pointer
		CREATE TABLE IF NOT EXISTS node_settings (
		    key TEXT PRIMARY KEY,
		    value TEXT NOT NULL
		);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func siteKey(url string) string {
	return strings.ToLower(model.NormalizeSiteURL(url))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const attachmentColumns = `id, title, alt_text, caption, description, terms, file, created_at, updated_at`

func scanAttachment(row pgx.Row) (*model.Attachment, error) {
	var a model.Attachment
	var file []byte
	if err := row.Scan(&a.ID, &a.Title, &a.AltText, &a.Caption, &a.Description, &a.Terms, &file, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(file, &a.File); err != nil {
		return nil, fmt.Errorf("decode file snapshot: %w", err)
	}
	if len(a.Terms) == 0 {
		a.Terms = nil
	}
	return &a, nil
}

func termsOrEmpty(terms []string) []string {
	if terms == nil {
		return []string{}
	}
	return terms
}

func (p *postgres) CreateAttachment(ctx context.Context, a model.Attachment) (model.Attachment, error) {
	file, err := json.Marshal(a.File)
	if err != nil {
		return model.Attachment{}, err
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO attachments (title, alt_text, caption, description, terms, mime_type, file, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING id`
	if err := p.db.QueryRow(ctx, query, a.Title, a.AltText, a.Caption, a.Description,
		termsOrEmpty(a.Terms), a.File.MimeType, file, now).Scan(&a.ID); err != nil {
		return model.Attachment{}, err
	}
	a.CreatedAt = now
	a.UpdatedAt = now
	return a, nil
}

func (p *postgres) GetAttachment(ctx context.Context, id int64) (*model.Attachment, error) {
	row := p.db.QueryRow(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id = $1`, id)
	a, err := scanAttachment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (p *postgres) UpdateAttachment(ctx context.Context, a model.Attachment) error {
	file, err := json.Marshal(a.File)
	if err != nil {
		return err
	}
	query := `
		UPDATE attachments
		SET title = $2, alt_text = $3, caption = $4, description = $5, terms = $6,
		    mime_type = $7, file = $8, updated_at = $9
		WHERE id = $1`
	result, err := p.db.Exec(ctx, query, a.ID, a.Title, a.AltText, a.Caption, a.Description,
		termsOrEmpty(a.Terms), a.File.MimeType, file, time.Now().UTC())
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) DeleteAttachment(ctx context.Context, id int64) error {
	result, err := p.db.Exec(ctx, `DELETE FROM attachments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = p.db.Exec(ctx, `DELETE FROM sync_flags WHERE attachment_id = $1`, id)
	return err
}

func (p *postgres) ListAttachments(ctx context.Context, q model.ListMediaQuery) (*model.ListMediaResult, error) {
	page, perPage := normalizePaging(q)
	where := `
		WHERE ($1 = '' OR lower(mime_type) = lower($1) OR lower(mime_type) LIKE lower($1) || '/%')
		  AND ($2 = '' OR title ILIKE '%' || $2 || '%' OR file->>'path' ILIKE '%' || $2 || '%')`

	var total int
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM attachments`+where, q.ImageType, q.SearchTerm).Scan(&total); err != nil {
		return nil, err
	}

	rows, err := p.db.Query(ctx,
		`SELECT `+attachmentColumns+` FROM attachments`+where+` ORDER BY id DESC LIMIT $3 OFFSET $4`,
		q.ImageType, q.SearchTerm, perPage, (page-1)*perPage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := &model.ListMediaResult{
		Attachments: []model.Attachment{},
		Total:       total,
		TotalPages:  totalPages(total, perPage),
	}
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		result.Attachments = append(result.Attachments, *a)
	}
	return result, rows.Err()
}

func (p *postgres) GetSyncFlag(ctx context.Context, id int64) (bool, error) {
	var on bool
	err := p.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sync_flags WHERE attachment_id = $1)`, id).Scan(&on)
	return on, err
}

func (p *postgres) SetSyncFlag(ctx context.Context, id int64, on bool) error {
	var err error
	if on {
		_, err = p.db.Exec(ctx, `INSERT INTO sync_flags (attachment_id) VALUES ($1) ON CONFLICT DO NOTHING`, id)
	} else {
		_, err = p.db.Exec(ctx, `DELETE FROM sync_flags WHERE attachment_id = $1`, id)
	}
	return err
}

func (p *postgres) GetBindings(ctx context.Context, id int64) ([]model.Binding, error) {
	rows, err := p.db.Query(ctx,
		`SELECT site_url, remote_id, mode FROM bindings WHERE attachment_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Binding
	for rows.Next() {
		var b model.Binding
		var mode string
		if err := rows.Scan(&b.SiteURL, &b.RemoteID, &mode); err != nil {
			return nil, err
		}
		b.Mode = model.SyncMode(mode)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *postgres) PutBinding(ctx context.Context, id int64, b model.Binding) error {
	query := `
		INSERT INTO bindings (attachment_id, site_key, site_url, remote_id, mode)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (attachment_id, site_key)
		DO UPDATE SET site_url = EXCLUDED.site_url, remote_id = EXCLUDED.remote_id, mode = EXCLUDED.mode`
	_, err := p.db.Exec(ctx, query, id, siteKey(b.SiteURL), model.NormalizeSiteURL(b.SiteURL), b.RemoteID, string(b.Mode))
	return err
}

func (p *postgres) RemoveBinding(ctx context.Context, id int64, siteURL string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM bindings WHERE attachment_id = $1 AND site_key = $2`, id, siteKey(siteURL))
	return err
}

func (p *postgres) DeleteBindings(ctx context.Context, id int64) error {
	_, err := p.db.Exec(ctx, `DELETE FROM bindings WHERE attachment_id = $1`, id)
	return err
}

func (p *postgres) GetSharedIndex(ctx context.Context, id int64) (map[string]int64, error) {
	rows, err := p.db.Query(ctx, `SELECT site_url, remote_id FROM shared_media_index WHERE attachment_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var site string
		var remoteID int64
		if err := rows.Scan(&site, &remoteID); err != nil {
			return nil, err
		}
		out[site] = remoteID
	}
	return out, rows.Err()
}

func (p *postgres) PutSharedIndexEntry(ctx context.Context, id int64, siteURL string, remoteID int64) error {
	query := `
		INSERT INTO shared_media_index (attachment_id, site_key, site_url, remote_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (attachment_id, site_key)
		DO UPDATE SET site_url = EXCLUDED.site_url, remote_id = EXCLUDED.remote_id`
	_, err := p.db.Exec(ctx, query, id, siteKey(siteURL), model.NormalizeSiteURL(siteURL), remoteID)
	return err
}

func (p *postgres) RemoveSharedIndexEntry(ctx context.Context, id int64, siteURL string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM shared_media_index WHERE attachment_id = $1 AND site_key = $2`, id, siteKey(siteURL))
	return err
}

func (p *postgres) DeleteSharedIndex(ctx context.Context, id int64) error {
	_, err := p.db.Exec(ctx, `DELETE FROM shared_media_index WHERE attachment_id = $1`, id)
	return err
}

func (p *postgres) GetVersions(ctx context.Context, id int64) ([]model.VersionSnapshot, error) {
	var raw []byte
	err := p.db.QueryRow(ctx, `SELECT versions FROM version_history WHERE attachment_id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var versions []model.VersionSnapshot
	if err := json.Unmarshal(raw, &versions); err != nil {
		return nil, fmt.Errorf("decode version history: %w", err)
	}
	return versions, nil
}

func (p *postgres) PutVersions(ctx context.Context, id int64, versions []model.VersionSnapshot) error {
	raw, err := json.Marshal(versions)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO version_history (attachment_id, versions) VALUES ($1, $2)
		ON CONFLICT (attachment_id) DO UPDATE SET versions = EXCLUDED.versions`
	_, err = p.db.Exec(ctx, query, id, raw)
	return err
}

func (p *postgres) DeleteVersions(ctx context.Context, id int64) error {
	_, err := p.db.Exec(ctx, `DELETE FROM version_history WHERE attachment_id = $1`, id)
	return err
}

func (p *postgres) ListEndpoints(ctx context.Context) ([]model.BrandEndpoint, error) {
	rows, err := p.db.Query(ctx, `SELECT id, name, url, api_key FROM brand_endpoints ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BrandEndpoint
	for rows.Next() {
		var ep model.BrandEndpoint
		if err := rows.Scan(&ep.ID, &ep.Name, &ep.URL, &ep.APIKey); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (p *postgres) GetEndpoint(ctx context.Context, id string) (*model.BrandEndpoint, error) {
	var ep model.BrandEndpoint
	err := p.db.QueryRow(ctx, `SELECT id, name, url, api_key FROM brand_endpoints WHERE id = $1`, id).
		Scan(&ep.ID, &ep.Name, &ep.URL, &ep.APIKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ep, nil
}

func (p *postgres) CreateEndpoint(ctx context.Context, ep model.BrandEndpoint) error {
	query := `INSERT INTO brand_endpoints (id, name, url, url_key, api_key) VALUES ($1, $2, $3, $4, $5)`
	_, err := p.db.Exec(ctx, query, ep.ID, ep.Name, ep.URL, siteKey(ep.URL), ep.APIKey)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (p *postgres) UpdateEndpoint(ctx context.Context, ep model.BrandEndpoint) error {
	query := `UPDATE brand_endpoints SET name = $2, url = $3, url_key = $4, api_key = $5 WHERE id = $1`
	result, err := p.db.Exec(ctx, query, ep.ID, ep.Name, ep.URL, siteKey(ep.URL), ep.APIKey)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) DeleteEndpoint(ctx context.Context, id string) error {
	result, err := p.db.Exec(ctx, `DELETE FROM brand_endpoints WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) GetLocalSyncMode(ctx context.Context, localID int64) (model.SyncMode, bool, error) {
	var mode string
	err := p.db.QueryRow(ctx, `SELECT mode FROM local_sync_status WHERE local_id = $1`, localID).Scan(&mode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return model.SyncMode(mode), true, nil
}

func (p *postgres) SetLocalSyncMode(ctx context.Context, localID int64, mode model.SyncMode) error {
	query := `
		INSERT INTO local_sync_status (local_id, mode) VALUES ($1, $2)
		ON CONFLICT (local_id) DO UPDATE SET mode = EXCLUDED.mode`
	_, err := p.db.Exec(ctx, query, localID, string(mode))
	return err
}

func (p *postgres) ClearLocalSyncMode(ctx context.Context, localID int64) error {
	_, err := p.db.Exec(ctx, `DELETE FROM local_sync_status WHERE local_id = $1`, localID)
	return err
}

func (p *postgres) GetKeyMapping(ctx context.Context, canonicalID int64) (int64, bool, error) {
	var localID int64
	err := p.db.QueryRow(ctx, `SELECT local_id FROM attachment_key_map WHERE canonical_id = $1`, canonicalID).Scan(&localID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return localID, true, nil
}

func (p *postgres) PutKeyMapping(ctx context.Context, canonicalID, localID int64) error {
	query := `
		INSERT INTO attachment_key_map (canonical_id, local_id) VALUES ($1, $2)
		ON CONFLICT (canonical_id) DO UPDATE SET local_id = EXCLUDED.local_id`
	_, err := p.db.Exec(ctx, query, canonicalID, localID)
	return err
}

func (p *postgres) DeleteKeyMappingByLocal(ctx context.Context, localID int64) error {
	_, err := p.db.Exec(ctx, `DELETE FROM attachment_key_map WHERE local_id = $1`, localID)
	return err
}

const governingSiteKey = "governing_site_url"

func (p *postgres) GetGoverningSiteURL(ctx context.Context) (string, error) {
	var url string
	err := p.db.QueryRow(ctx, `SELECT value FROM node_settings WHERE key = $1`, governingSiteKey).Scan(&url)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return url, nil
}

func (p *postgres) SetGoverningSiteURL(ctx context.Context, url string) error {
	url = model.NormalizeSiteURL(url)
	// The conditional upsert only touches a row holding the same site, so a
	// concurrent pairing from another origin cannot overwrite the pointer.
	query := `
		INSERT INTO node_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
		WHERE lower(node_settings.value) = lower(EXCLUDED.value)`
	result, err := p.db.Exec(ctx, query, governingSiteKey, url)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (p *postgres) ClearGoverningSiteURL(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `DELETE FROM node_settings WHERE key = $1`, governingSiteKey)
	return err
}
