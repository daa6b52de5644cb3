package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/numhive/platform/internal/domain/offer"
	"github.com/numhive/platform/internal/money"
	"github.com/numhive/platform/internal/storage"
)

// --- OfferStore -------------------------------------------------------------

const offerColumns = `id, provider_id, provider_slug, country_code, service_code, operator_id,
	raw_cost, sell_price, stock, deleted, last_sync_at`

type offerRow struct {
	ID           string    `db:"id"`
	ProviderID   string    `db:"provider_id"`
	ProviderSlug string    `db:"provider_slug"`
	CountryCode  string    `db:"country_code"`
	ServiceCode  string    `db:"service_code"`
	OperatorID   string    `db:"operator_id"`
	RawCost      int64     `db:"raw_cost"`
	SellPrice    int64     `db:"sell_price"`
	Stock        int       `db:"stock"`
	Deleted      bool      `db:"deleted"`
	LastSyncAt   time.Time `db:"last_sync_at"`
}

func (r offerRow) toDomain() offer.Offer {
	return offer.Offer{
		ID:           r.ID,
		ProviderID:   r.ProviderID,
		ProviderSlug: r.ProviderSlug,
		CountryCode:  r.CountryCode,
		ServiceCode:  r.ServiceCode,
		OperatorID:   r.OperatorID,
		RawCost:      money.Amount(r.RawCost),
		SellPrice:    r.SellPrice,
		Stock:        r.Stock,
		Deleted:      r.Deleted,
		LastSyncAt:   r.LastSyncAt.UTC(),
	}
}

func (s *Store) UpsertOffers(ctx context.Context, rows []offer.Offer) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for start := 0; start < len(rows); start += replaceBatchSize {
		end := start + replaceBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := make([]offerRow, 0, end-start)
		for _, o := range rows[start:end] {
			id := o.ID
			if id == "" {
				id = o.DocumentID()
			}
			syncAt := o.LastSyncAt
			if syncAt.IsZero() {
				syncAt = now
			}
			batch = append(batch, offerRow{
				ID:           id,
				ProviderID:   o.ProviderID,
				ProviderSlug: o.ProviderSlug,
				CountryCode:  o.CountryCode,
				ServiceCode:  o.ServiceCode,
				OperatorID:   o.OperatorID,
				RawCost:      int64(o.RawCost),
				SellPrice:    o.SellPrice,
				Stock:        o.Stock,
				Deleted:      o.Deleted,
				LastSyncAt:   syncAt,
			})
		}
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO offers (`+offerColumns+`)
			VALUES (:id, :provider_id, :provider_slug, :country_code, :service_code, :operator_id,
				:raw_cost, :sell_price, :stock, :deleted, :last_sync_at)
			ON CONFLICT (id) DO UPDATE SET
				provider_slug = EXCLUDED.provider_slug,
				raw_cost = EXCLUDED.raw_cost,
				sell_price = EXCLUDED.sell_price,
				stock = EXCLUDED.stock,
				deleted = EXCLUDED.deleted,
				last_sync_at = EXCLUDED.last_sync_at
		`, batch)
		if err != nil {
			return fmt.Errorf("upsert offers: %w", err)
		}
	}
	return nil
}

func (s *Store) GetOffer(ctx context.Context, documentID string) (offer.Offer, error) {
	var r offerRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+offerColumns+` FROM offers WHERE id = $1
	`, documentID)
	if err != nil {
		return offer.Offer{}, err
	}
	return r.toDomain(), nil
}

func (s *Store) ListOffers(ctx context.Context, f storage.OfferFilter) ([]offer.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE NOT deleted`
	args := make([]interface{}, 0, 4)
	if f.Country != "" {
		args = append(args, f.Country)
		query += ` AND country_code = $` + strconv.Itoa(len(args))
	}
	if f.Service != "" {
		args = append(args, f.Service)
		query += ` AND service_code = $` + strconv.Itoa(len(args))
	}
	if f.Provider != "" {
		args = append(args, f.Provider)
		query += ` AND provider_slug = $` + strconv.Itoa(len(args))
	}
	if f.InStock {
		query += ` AND stock > 0`
	}
	query += ` ORDER BY sell_price, provider_slug`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	var rows []offerRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]offer.Offer, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) AdjustStock(ctx context.Context, documentID string, delta int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE offers SET stock = GREATEST(stock + $2, 0) WHERE id = $1
	`, documentID, delta)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) PurgeStale(ctx context.Context, providerID string, syncedBefore time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE offers SET deleted = TRUE
		WHERE provider_id = $1 AND last_sync_at < $2 AND NOT deleted
	`, providerID, syncedBefore.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

type serviceAggRow struct {
	ServiceSlug   string    `db:"service_slug"`
	ServiceName   string    `db:"service_name"`
	IconURL       string    `db:"icon_url"`
	LowestPrice   int64     `db:"lowest_price"`
	TotalStock    int64     `db:"total_stock"`
	CountryCount  int       `db:"country_count"`
	ProviderCount int       `db:"provider_count"`
	LastUpdatedAt time.Time `db:"last_updated_at"`
}

type countryAggRow struct {
	ServiceSlug   string    `db:"service_slug"`
	CountryCode   string    `db:"country_code"`
	CountryName   string    `db:"country_name"`
	FlagURL       string    `db:"flag_url"`
	LowestPrice   int64     `db:"lowest_price"`
	TotalStock    int64     `db:"total_stock"`
	ProviderCount int       `db:"provider_count"`
	LastUpdatedAt time.Time `db:"last_updated_at"`
}

func (s *Store) ReplaceServiceAggregates(ctx context.Context, rows []offer.ServiceAggregate) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM service_aggregates`); err != nil {
			return err
		}
		for start := 0; start < len(rows); start += replaceBatchSize {
			end := start + replaceBatchSize
			if end > len(rows) {
				end = len(rows)
			}
			batch := make([]serviceAggRow, 0, end-start)
			for _, a := range rows[start:end] {
				batch = append(batch, serviceAggRow{
					ServiceSlug:   a.ServiceSlug,
					ServiceName:   a.ServiceName,
					IconURL:       a.IconURL,
					LowestPrice:   a.LowestPrice,
					TotalStock:    a.TotalStock,
					CountryCount:  a.CountryCount,
					ProviderCount: a.ProviderCount,
					LastUpdatedAt: now,
				})
			}
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO service_aggregates (service_slug, service_name, icon_url, lowest_price,
					total_stock, country_count, provider_count, last_updated_at)
				VALUES (:service_slug, :service_name, :icon_url, :lowest_price,
					:total_stock, :country_count, :provider_count, :last_updated_at)
			`, batch); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ReplaceCountryAggregates(ctx context.Context, rows []offer.CountryAggregate) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM country_aggregates`); err != nil {
			return err
		}
		for start := 0; start < len(rows); start += replaceBatchSize {
			end := start + replaceBatchSize
			if end > len(rows) {
				end = len(rows)
			}
			batch := make([]countryAggRow, 0, end-start)
			for _, a := range rows[start:end] {
				batch = append(batch, countryAggRow{
					ServiceSlug:   a.ServiceSlug,
					CountryCode:   a.CountryCode,
					CountryName:   a.CountryName,
					FlagURL:       a.FlagURL,
					LowestPrice:   a.LowestPrice,
					TotalStock:    a.TotalStock,
					ProviderCount: a.ProviderCount,
					LastUpdatedAt: now,
				})
			}
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO country_aggregates (service_slug, country_code, country_name, flag_url,
					lowest_price, total_stock, provider_count, last_updated_at)
				VALUES (:service_slug, :country_code, :country_name, :flag_url,
					:lowest_price, :total_stock, :provider_count, :last_updated_at)
			`, batch); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) RebuildAggregates(ctx context.Context, now time.Time) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM service_aggregates`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO service_aggregates (service_slug, service_name, icon_url, lowest_price,
				total_stock, country_count, provider_count, last_updated_at)
			SELECT o.service_code,
				COALESCE(MAX(NULLIF(ps.name, '')), o.service_code),
				COALESCE(MAX(NULLIF(ps.icon_url, '')), ''),
				MIN(o.sell_price),
				SUM(o.stock),
				COUNT(DISTINCT o.country_code),
				COUNT(DISTINCT o.provider_id),
				$1
			FROM offers o
			LEFT JOIN provider_services ps
				ON ps.provider_id = o.provider_id AND ps.code = o.service_code
			WHERE NOT o.deleted AND o.stock > 0
			GROUP BY o.service_code
		`, now.UTC()); err != nil {
			return fmt.Errorf("rebuild service aggregates: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM country_aggregates`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO country_aggregates (service_slug, country_code, country_name, flag_url,
				lowest_price, total_stock, provider_count, last_updated_at)
			SELECT o.service_code,
				o.country_code,
				COALESCE(MAX(NULLIF(pc.name, '')), o.country_code),
				COALESCE(MAX(NULLIF(pc.flag_url, '')), ''),
				MIN(o.sell_price),
				SUM(o.stock),
				COUNT(DISTINCT o.provider_id),
				$1
			FROM offers o
			LEFT JOIN provider_countries pc
				ON pc.provider_id = o.provider_id AND pc.code = o.country_code
			WHERE NOT o.deleted AND o.stock > 0
			GROUP BY o.service_code, o.country_code
		`, now.UTC()); err != nil {
			return fmt.Errorf("rebuild country aggregates: %w", err)
		}
		return nil
	})
}

func (s *Store) ListServiceAggregates(ctx context.Context, country string) ([]offer.ServiceAggregate, error) {
	var rows []serviceAggRow
	var err error
	if country == "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT service_slug, service_name, icon_url, lowest_price, total_stock,
				country_count, provider_count, last_updated_at
			FROM service_aggregates
			ORDER BY total_stock DESC, service_slug
		`)
	} else {
		// Per-country view: the country rollup narrowed to one code, with
		// display fields borrowed from the service rollup.
		err = s.db.SelectContext(ctx, &rows, `
			SELECT ca.service_slug, sa.service_name, sa.icon_url, ca.lowest_price,
				ca.total_stock, 1 AS country_count, ca.provider_count, ca.last_updated_at
			FROM country_aggregates ca
			JOIN service_aggregates sa USING (service_slug)
			WHERE ca.country_code = $1
			ORDER BY ca.total_stock DESC, ca.service_slug
		`, country)
	}
	if err != nil {
		return nil, err
	}
	out := make([]offer.ServiceAggregate, 0, len(rows))
	for _, r := range rows {
		out = append(out, offer.ServiceAggregate{
			ServiceSlug:   r.ServiceSlug,
			ServiceName:   r.ServiceName,
			IconURL:       r.IconURL,
			LowestPrice:   r.LowestPrice,
			TotalStock:    r.TotalStock,
			CountryCount:  r.CountryCount,
			ProviderCount: r.ProviderCount,
			LastUpdatedAt: r.LastUpdatedAt.UTC(),
		})
	}
	return out, nil
}

func (s *Store) ListCountryAggregates(ctx context.Context, service string) ([]offer.CountryAggregate, error) {
	query := `
		SELECT service_slug, country_code, country_name, flag_url, lowest_price,
			total_stock, provider_count, last_updated_at
		FROM country_aggregates`
	args := []interface{}{}
	if service != "" {
		query += ` WHERE service_slug = $1`
		args = append(args, service)
	}
	query += ` ORDER BY total_stock DESC, country_code`

	var rows []countryAggRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]offer.CountryAggregate, 0, len(rows))
	for _, r := range rows {
		out = append(out, offer.CountryAggregate{
			ServiceSlug:   r.ServiceSlug,
			CountryCode:   r.CountryCode,
			CountryName:   r.CountryName,
			FlagURL:       r.FlagURL,
			LowestPrice:   r.LowestPrice,
			TotalStock:    r.TotalStock,
			ProviderCount: r.ProviderCount,
			LastUpdatedAt: r.LastUpdatedAt.UTC(),
		})
	}
	return out, nil
}

const reservationColumns = `id, offer_id, user_id, activation_id, quantity, state, expires_at, created_at, updated_at`

type reservationRow struct {
	ID           string    `db:"id"`
	OfferID      string    `db:"offer_id"`
	UserID       string    `db:"user_id"`
	ActivationID string    `db:"activation_id"`
	Quantity     int       `db:"quantity"`
	State        string    `db:"state"`
	ExpiresAt    time.Time `db:"expires_at"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r reservationRow) toDomain() offer.Reservation {
	return offer.Reservation{
		ID:           r.ID,
		OfferID:      r.OfferID,
		UserID:       r.UserID,
		ActivationID: r.ActivationID,
		Quantity:     r.Quantity,
		State:        offer.ReservationState(r.State),
		ExpiresAt:    r.ExpiresAt.UTC(),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func (s *Store) CreateReservation(ctx context.Context, r offer.Reservation) (offer.Reservation, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Quantity <= 0 {
		r.Quantity = 1
	}
	r.State = offer.ReservationPending
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		// Stock is taken when the hold is created, not when it confirms.
		result, err := tx.ExecContext(ctx, `
			UPDATE offers SET stock = stock - $2 WHERE id = $1 AND stock >= $2 AND NOT deleted
		`, r.OfferID, r.Quantity)
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return storage.ErrOutOfStock
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO offer_reservations (`+reservationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, r.ID, r.OfferID, r.UserID, r.ActivationID, r.Quantity, string(r.State),
			r.ExpiresAt.UTC(), r.CreatedAt, r.UpdatedAt)
		return err
	})
	if err != nil {
		return offer.Reservation{}, err
	}
	return r, nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (offer.Reservation, error) {
	var r reservationRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+reservationColumns+` FROM offer_reservations WHERE id = $1
	`, id)
	if err != nil {
		return offer.Reservation{}, err
	}
	return r.toDomain(), nil
}

func (s *Store) GetReservationByActivation(ctx context.Context, activationID string) (offer.Reservation, error) {
	var r reservationRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+reservationColumns+` FROM offer_reservations
		WHERE activation_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, activationID)
	if err != nil {
		return offer.Reservation{}, err
	}
	return r.toDomain(), nil
}

func (s *Store) UpdateReservationState(ctx context.Context, id string, state offer.ReservationState) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var r reservationRow
		err := tx.GetContext(ctx, &r, `
			SELECT `+reservationColumns+` FROM offer_reservations WHERE id = $1 FOR UPDATE
		`, id)
		if err != nil {
			return err
		}
		// Only pending holds move; a second release attempt must not
		// restore stock twice.
		if r.State != string(offer.ReservationPending) {
			return fmt.Errorf("%w: reservation %s is %s", storage.ErrStateConflict, id, r.State)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE offer_reservations SET state = $2, updated_at = $3 WHERE id = $1
		`, id, string(state), time.Now().UTC()); err != nil {
			return err
		}
		if state == offer.ReservationCancelled || state == offer.ReservationExpired {
			if _, err := tx.ExecContext(ctx, `
				UPDATE offers SET stock = stock + $2 WHERE id = $1
			`, r.OfferID, r.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ExpireReservations(ctx context.Context, now time.Time) ([]offer.Reservation, error) {
	var expired []offer.Reservation
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var rows []reservationRow
		err := tx.SelectContext(ctx, &rows, `
			SELECT `+reservationColumns+` FROM offer_reservations
			WHERE state = 'PENDING' AND expires_at <= $1
			ORDER BY expires_at
			FOR UPDATE SKIP LOCKED
		`, now.UTC())
		if err != nil {
			return err
		}
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, `
				UPDATE offer_reservations SET state = $2, updated_at = $3 WHERE id = $1
			`, r.ID, string(offer.ReservationExpired), now.UTC()); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE offers SET stock = stock + $2 WHERE id = $1
			`, r.OfferID, r.Quantity); err != nil {
				return err
			}
			rec := r.toDomain()
			rec.State = offer.ReservationExpired
			expired = append(expired, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}
