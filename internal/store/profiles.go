package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"amap-proxy-go/internal/model"
)

// ListMarkers returns every profile that has both coordinates.
func (s *Store) ListMarkers(ctx context.Context) ([]model.MarkerProfile, error) {
	rows, err := s.db.QueryContext(ctx, s.markersQuery)
	if err != nil {
		return nil, fmt.Errorf("query markers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.MarkerProfile
	for rows.Next() {
		var (
			p                               model.MarkerProfile
			username, displayName, nickname sql.NullString
			country, province, city         sql.NullString
			lat, lng                        sql.NullFloat64
		)
		if err := rows.Scan(&p.ID, &username, &displayName, &nickname, &country, &province, &city, &lat, &lng); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		if !lat.Valid || !lng.Valid {
			continue
		}
		p.Username = username.String
		p.DisplayName = displayName.String
		p.Nickname = nickname.String
		p.Country = country.String
		p.Province = province.String
		p.City = city.String
		p.Lat = lat.Float64
		p.Lng = lng.Float64
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate markers: %w", err)
	}
	return out, nil
}

// ProfileDetail returns the private fields of one profile, or nil when no
// profile has that id.
func (s *Store) ProfileDetail(ctx context.Context, id string) (*model.ProfileDetail, error) {
	var (
		gender, bio, wechat sql.NullString
		age                 sql.NullInt64
		parentContact       sql.NullBool
	)
	err := s.db.QueryRowContext(ctx, s.detailQuery, id).Scan(&gender, &age, &bio, &wechat, &parentContact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query profile %s: %w", id, err)
	}

	return &model.ProfileDetail{
		Gender:        nullString(gender),
		Age:           nullInt(age),
		Bio:           nullString(bio),
		WeChat:        nullString(wechat),
		ParentContact: parentContact.Valid && parentContact.Bool,
	}, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}
