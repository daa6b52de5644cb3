package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/numhive/platform/internal/domain/provider"
	"github.com/numhive/platform/internal/money"
)

// --- ProviderStore ----------------------------------------------------------

const providerColumns = `id, slug, name, base_url, auth_type, auth_param, credentials_env,
	encrypted_keys, currency, currency_mode, manual_rate, deposit_received, deposit_spent,
	price_multiplier, fixed_markup, active, priority, deleted, metadata_mode, legacy_script,
	endpoints, mappings, error_map, webhook, breaker_threshold, balance,
	last_metadata_sync_at, last_balance_sync_at, last_sync_at, sync_status, sync_error,
	created_at, updated_at`

type providerRow struct {
	ID                 string       `db:"id"`
	Slug               string       `db:"slug"`
	Name               string       `db:"name"`
	BaseURL            string       `db:"base_url"`
	AuthType           string       `db:"auth_type"`
	AuthParam          string       `db:"auth_param"`
	CredentialsEnv     string       `db:"credentials_env"`
	EncryptedKeys      string       `db:"encrypted_keys"`
	Currency           string       `db:"currency"`
	CurrencyMode       string       `db:"currency_mode"`
	ManualRate         int64        `db:"manual_rate"`
	DepositReceived    int64        `db:"deposit_received"`
	DepositSpent       int64        `db:"deposit_spent"`
	PriceMultiplier    int64        `db:"price_multiplier"`
	FixedMarkup        int64        `db:"fixed_markup"`
	Active             bool         `db:"active"`
	Priority           int          `db:"priority"`
	Deleted            bool         `db:"deleted"`
	MetadataMode       string       `db:"metadata_mode"`
	LegacyScript       string       `db:"legacy_script"`
	Endpoints          []byte       `db:"endpoints"`
	Mappings           []byte       `db:"mappings"`
	ErrorMap           []byte       `db:"error_map"`
	Webhook            []byte       `db:"webhook"`
	BreakerThreshold   int          `db:"breaker_threshold"`
	Balance            int64        `db:"balance"`
	LastMetadataSyncAt sql.NullTime `db:"last_metadata_sync_at"`
	LastBalanceSyncAt  sql.NullTime `db:"last_balance_sync_at"`
	LastSyncAt         sql.NullTime `db:"last_sync_at"`
	SyncStatus         string       `db:"sync_status"`
	SyncError          string       `db:"sync_error"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

func (r providerRow) toDomain() (provider.Provider, error) {
	p := provider.Provider{
		ID:                 r.ID,
		Slug:               r.Slug,
		Name:               r.Name,
		BaseURL:            r.BaseURL,
		AuthType:           provider.AuthType(r.AuthType),
		AuthParam:          r.AuthParam,
		CredentialsEnv:     r.CredentialsEnv,
		EncryptedKeys:      r.EncryptedKeys,
		Currency:           r.Currency,
		CurrencyMode:       provider.CurrencyMode(r.CurrencyMode),
		ManualRate:         money.Amount(r.ManualRate),
		DepositReceived:    money.Amount(r.DepositReceived),
		DepositSpent:       money.Amount(r.DepositSpent),
		PriceMultiplier:    money.Amount(r.PriceMultiplier),
		FixedMarkup:        money.Amount(r.FixedMarkup),
		Active:             r.Active,
		Priority:           r.Priority,
		Deleted:            r.Deleted,
		MetadataMode:       provider.MetadataMode(r.MetadataMode),
		LegacyScript:       r.LegacyScript,
		BreakerThreshold:   r.BreakerThreshold,
		Balance:            money.Amount(r.Balance),
		LastMetadataSyncAt: timePtr(r.LastMetadataSyncAt),
		LastBalanceSyncAt:  timePtr(r.LastBalanceSyncAt),
		LastSyncAt:         timePtr(r.LastSyncAt),
		SyncStatus:         provider.SyncStatus(r.SyncStatus),
		SyncError:          r.SyncError,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
	// Endpoint and mapping specs drive the adapter; a corrupt column must
	// surface instead of degrading into an empty config.
	if len(r.Endpoints) > 0 {
		if err := json.Unmarshal(r.Endpoints, &p.Endpoints); err != nil {
			return provider.Provider{}, fmt.Errorf("decode endpoints for %s: %w", r.Slug, err)
		}
	}
	if len(r.Mappings) > 0 {
		if err := json.Unmarshal(r.Mappings, &p.Mappings); err != nil {
			return provider.Provider{}, fmt.Errorf("decode mappings for %s: %w", r.Slug, err)
		}
	}
	if len(r.ErrorMap) > 0 {
		if err := json.Unmarshal(r.ErrorMap, &p.ErrorMap); err != nil {
			return provider.Provider{}, fmt.Errorf("decode error map for %s: %w", r.Slug, err)
		}
	}
	if len(r.Webhook) > 0 {
		if err := json.Unmarshal(r.Webhook, &p.Webhook); err != nil {
			return provider.Provider{}, fmt.Errorf("decode webhook spec for %s: %w", r.Slug, err)
		}
	}
	return p, nil
}

func providerToRow(p provider.Provider) (providerRow, error) {
	endpoints, err := json.Marshal(p.Endpoints)
	if err != nil {
		return providerRow{}, fmt.Errorf("encode endpoints: %w", err)
	}
	mappings, err := json.Marshal(p.Mappings)
	if err != nil {
		return providerRow{}, fmt.Errorf("encode mappings: %w", err)
	}
	errorMap, err := json.Marshal(p.ErrorMap)
	if err != nil {
		return providerRow{}, fmt.Errorf("encode error map: %w", err)
	}
	webhook, err := json.Marshal(p.Webhook)
	if err != nil {
		return providerRow{}, fmt.Errorf("encode webhook spec: %w", err)
	}
	return providerRow{
		ID:                 p.ID,
		Slug:               p.Slug,
		Name:               p.Name,
		BaseURL:            p.BaseURL,
		AuthType:           string(p.AuthType),
		AuthParam:          p.AuthParam,
		CredentialsEnv:     p.CredentialsEnv,
		EncryptedKeys:      p.EncryptedKeys,
		Currency:           p.Currency,
		CurrencyMode:       string(p.CurrencyMode),
		ManualRate:         int64(p.ManualRate),
		DepositReceived:    int64(p.DepositReceived),
		DepositSpent:       int64(p.DepositSpent),
		PriceMultiplier:    int64(p.PriceMultiplier),
		FixedMarkup:        int64(p.FixedMarkup),
		Active:             p.Active,
		Priority:           p.Priority,
		Deleted:            p.Deleted,
		MetadataMode:       string(p.MetadataMode),
		LegacyScript:       p.LegacyScript,
		Endpoints:          endpoints,
		Mappings:           mappings,
		ErrorMap:           errorMap,
		Webhook:            webhook,
		BreakerThreshold:   p.BreakerThreshold,
		Balance:            int64(p.Balance),
		LastMetadataSyncAt: nullTimeFromPtr(p.LastMetadataSyncAt),
		LastBalanceSyncAt:  nullTimeFromPtr(p.LastBalanceSyncAt),
		LastSyncAt:         nullTimeFromPtr(p.LastSyncAt),
		SyncStatus:         string(p.SyncStatus),
		SyncError:          p.SyncError,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}, nil
}

func (s *Store) CreateProvider(ctx context.Context, p provider.Provider) (provider.Provider, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.SyncStatus == "" {
		p.SyncStatus = provider.SyncIdle
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	row, err := providerToRow(p)
	if err != nil {
		return provider.Provider{}, err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO providers (`+providerColumns+`)
		VALUES (:id, :slug, :name, :base_url, :auth_type, :auth_param, :credentials_env,
			:encrypted_keys, :currency, :currency_mode, :manual_rate, :deposit_received, :deposit_spent,
			:price_multiplier, :fixed_markup, :active, :priority, :deleted, :metadata_mode, :legacy_script,
			:endpoints, :mappings, :error_map, :webhook, :breaker_threshold, :balance,
			:last_metadata_sync_at, :last_balance_sync_at, :last_sync_at, :sync_status, :sync_error,
			:created_at, :updated_at)
	`, row)
	if err != nil {
		return provider.Provider{}, err
	}
	return p, nil
}

func (s *Store) UpdateProvider(ctx context.Context, p provider.Provider) (provider.Provider, error) {
	existing, err := s.GetProvider(ctx, p.ID)
	if err != nil {
		return provider.Provider{}, err
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	row, err := providerToRow(p)
	if err != nil {
		return provider.Provider{}, err
	}
	result, err := s.db.NamedExecContext(ctx, `
		UPDATE providers SET
			slug = :slug, name = :name, base_url = :base_url, auth_type = :auth_type,
			auth_param = :auth_param, credentials_env = :credentials_env, encrypted_keys = :encrypted_keys,
			currency = :currency, currency_mode = :currency_mode, manual_rate = :manual_rate,
			deposit_received = :deposit_received, deposit_spent = :deposit_spent,
			price_multiplier = :price_multiplier, fixed_markup = :fixed_markup,
			active = :active, priority = :priority, deleted = :deleted,
			metadata_mode = :metadata_mode, legacy_script = :legacy_script,
			endpoints = :endpoints, mappings = :mappings, error_map = :error_map, webhook = :webhook,
			breaker_threshold = :breaker_threshold, updated_at = :updated_at
		WHERE id = :id
	`, row)
	if err != nil {
		return provider.Provider{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return provider.Provider{}, sql.ErrNoRows
	}
	return p, nil
}

func (s *Store) GetProvider(ctx context.Context, id string) (provider.Provider, error) {
	var r providerRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+providerColumns+` FROM providers WHERE id = $1
	`, id)
	if err != nil {
		return provider.Provider{}, err
	}
	return r.toDomain()
}

func (s *Store) GetProviderBySlug(ctx context.Context, slug string) (provider.Provider, error) {
	var r providerRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+providerColumns+` FROM providers WHERE slug = $1 AND NOT deleted
	`, slug)
	if err != nil {
		return provider.Provider{}, err
	}
	return r.toDomain()
}

func (s *Store) ListProviders(ctx context.Context, includeInactive bool) ([]provider.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers WHERE NOT deleted`
	if !includeInactive {
		query += ` AND active`
	}
	query += ` ORDER BY priority, slug`

	var rows []providerRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}
	out := make([]provider.Provider, 0, len(rows))
	for _, r := range rows {
		p, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) SoftDeleteProvider(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE providers SET deleted = TRUE, active = FALSE, updated_at = $2 WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) UpdateProviderSync(ctx context.Context, id string, status provider.SyncStatus, syncErr string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE providers
		SET sync_status = $2, sync_error = $3,
			last_sync_at = COALESCE($4, last_sync_at), updated_at = now()
		WHERE id = $1
	`, id, string(status), syncErr, nullTime(at))
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) UpdateProviderBalance(ctx context.Context, id string, balance money.Amount, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE providers SET balance = $2, last_balance_sync_at = $3, updated_at = now() WHERE id = $1
	`, id, int64(balance), at.UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) UpdateProviderMetadataSync(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE providers SET last_metadata_sync_at = $2, updated_at = now() WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type providerCountryRow struct {
	ID         string    `db:"id"`
	ProviderID string    `db:"provider_id"`
	ExternalID string    `db:"external_id"`
	Code       string    `db:"code"`
	Name       string    `db:"name"`
	FlagURL    string    `db:"flag_url"`
	LastSyncAt time.Time `db:"last_sync_at"`
}

type providerServiceRow struct {
	ID         string    `db:"id"`
	ProviderID string    `db:"provider_id"`
	ExternalID string    `db:"external_id"`
	Code       string    `db:"code"`
	Name       string    `db:"name"`
	IconURL    string    `db:"icon_url"`
	LastSyncAt time.Time `db:"last_sync_at"`
}

// replaceBatchSize keeps multi-row inserts well under the wire parameter
// limit.
const replaceBatchSize = 500

func (s *Store) ReplaceCountries(ctx context.Context, providerID string, rows []provider.Country) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM provider_countries WHERE provider_id = $1`, providerID); err != nil {
			return err
		}
		for start := 0; start < len(rows); start += replaceBatchSize {
			end := start + replaceBatchSize
			if end > len(rows) {
				end = len(rows)
			}
			batch := make([]providerCountryRow, 0, end-start)
			for _, c := range rows[start:end] {
				id := c.ID
				if id == "" {
					id = uuid.NewString()
				}
				batch = append(batch, providerCountryRow{
					ID:         id,
					ProviderID: providerID,
					ExternalID: c.ExternalID,
					Code:       c.Code,
					Name:       c.Name,
					FlagURL:    c.FlagURL,
					LastSyncAt: now,
				})
			}
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO provider_countries (id, provider_id, external_id, code, name, flag_url, last_sync_at)
				VALUES (:id, :provider_id, :external_id, :code, :name, :flag_url, :last_sync_at)
			`, batch); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ReplaceServices(ctx context.Context, providerID string, rows []provider.Service) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM provider_services WHERE provider_id = $1`, providerID); err != nil {
			return err
		}
		for start := 0; start < len(rows); start += replaceBatchSize {
			end := start + replaceBatchSize
			if end > len(rows) {
				end = len(rows)
			}
			batch := make([]providerServiceRow, 0, end-start)
			for _, sv := range rows[start:end] {
				id := sv.ID
				if id == "" {
					id = uuid.NewString()
				}
				batch = append(batch, providerServiceRow{
					ID:         id,
					ProviderID: providerID,
					ExternalID: sv.ExternalID,
					Code:       sv.Code,
					Name:       sv.Name,
					IconURL:    sv.IconURL,
					LastSyncAt: now,
				})
			}
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO provider_services (id, provider_id, external_id, code, name, icon_url, last_sync_at)
				VALUES (:id, :provider_id, :external_id, :code, :name, :icon_url, :last_sync_at)
			`, batch); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListCountries(ctx context.Context, providerID string) ([]provider.Country, error) {
	var rows []providerCountryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, provider_id, external_id, code, name, flag_url, last_sync_at
		FROM provider_countries
		WHERE provider_id = $1
		ORDER BY code
	`, providerID)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Country, 0, len(rows))
	for _, r := range rows {
		out = append(out, provider.Country{
			ID:         r.ID,
			ProviderID: r.ProviderID,
			ExternalID: r.ExternalID,
			Code:       r.Code,
			Name:       r.Name,
			FlagURL:    r.FlagURL,
			LastSyncAt: r.LastSyncAt.UTC(),
		})
	}
	return out, nil
}

func (s *Store) ListServices(ctx context.Context, providerID string) ([]provider.Service, error) {
	var rows []providerServiceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, provider_id, external_id, code, name, icon_url, last_sync_at
		FROM provider_services
		WHERE provider_id = $1
		ORDER BY code
	`, providerID)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Service, 0, len(rows))
	for _, r := range rows {
		out = append(out, provider.Service{
			ID:         r.ID,
			ProviderID: r.ProviderID,
			ExternalID: r.ExternalID,
			Code:       r.Code,
			Name:       r.Name,
			IconURL:    r.IconURL,
			LastSyncAt: r.LastSyncAt.UTC(),
		})
	}
	return out, nil
}
