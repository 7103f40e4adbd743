// Copyright 2025 Cellwise, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pegstore reads PEG counter samples out of PostgreSQL. The
// storage keeps counters as a nested JSONB document per row; the fetch
// query expands it into a flat (peg_name, value, dimensions) stream.
package pegstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cellwise/peg-analyzer/apperr"
	"github.com/cellwise/peg-analyzer/config"
	"github.com/cellwise/peg-analyzer/internal/logging"
)

// Sample is one expanded counter reading.
type Sample struct {
	Timestamp  time.Time
	FamilyID   int64
	PEGName    string
	Value      float64
	Dimensions string // "CellIdentity=20" style, empty for scalar entries
	NE         string
	SWName     string
	RelVer     string
}

// Store owns the connection pool.
type Store struct {
	pool *pgxpool.Pool
	log  logging.StructuredLogger
}

// Open builds the pool from settings. Every new connection pins its
// session timezone to the data timezone so BETWEEN comparisons line up
// with the stored timestamps.
func Open(ctx context.Context, settings *config.Settings, log logging.StructuredLogger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(settings.ConnString())
	if err != nil {
		return nil, apperr.NewDatabase("invalid database configuration", err, map[string]any{
			"host": settings.DBHost,
			"port": settings.DBPort,
			"name": settings.DBName,
		})
	}
	tz := strings.ReplaceAll(settings.DataTimezone, "'", "")
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("SET TIME ZONE '%s'", tz))
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apperr.NewDatabase("failed to create connection pool", err, map[string]any{
			"host": settings.DBHost,
			"port": settings.DBPort,
			"name": settings.DBName,
		})
	}
	return &Store{pool: pool, log: log}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return apperr.NewDatabase("database unreachable", err, nil)
	}
	return nil
}

// FetchWindow retrieves the expanded samples for one analysis window.
func (s *Store) FetchWindow(ctx context.Context, cfg TableConfig, filters Filters, familyFilter map[int][]string, start, end time.Time) ([]Sample, error) {
	query, args := BuildWindowQuery(cfg, filters, familyFilter, start, end)
	s.log.Debugf("fetching window %s ~ %s from %s (%d params)", start, end, cfg.Table, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, databaseError("window query failed", err, query, args)
	}
	defer rows.Close()

	hasNE := cfg.NEColumn != ""
	hasSW := cfg.SWNameColumn != ""
	hasRel := cfg.RelVerColumn != ""

	var samples []Sample
	for rows.Next() {
		var (
			sm         Sample
			dimensions *string
			ne         *string
			sw         *string
			rel        *string
		)
		dest := []any{&sm.Timestamp, &sm.FamilyID, &sm.PEGName, &sm.Value, &dimensions}
		if hasNE {
			dest = append(dest, &ne)
		}
		if hasSW {
			dest = append(dest, &sw)
		}
		if hasRel {
			dest = append(dest, &rel)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, databaseError("window row scan failed", err, query, args)
		}
		if dimensions != nil {
			sm.Dimensions = *dimensions
		}
		if ne != nil {
			sm.NE = *ne
		}
		if sw != nil {
			sm.SWName = *sw
		}
		if rel != nil {
			sm.RelVer = *rel
		}
		samples = append(samples, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, databaseError("window row iteration failed", err, query, args)
	}
	s.log.Infof("window fetch complete: %d samples between %s and %s", len(samples), start, end)
	return samples, nil
}

// databaseError wraps a pg failure with loggable context: a short query
// preview and the parameter count, never parameter values.
func databaseError(msg string, err error, query string, args []any) *apperr.ServiceError {
	preview := query
	if len(preview) > 200 {
		preview = preview[:200]
	}
	details := map[string]any{
		"query_preview": preview,
		"param_count":   len(args),
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		details["pg_code"] = pgErr.Code
	}
	return apperr.NewDatabase(msg, err, details)
}
