// Package durable mirrors the claims & link store into a local sqlite
// file so a single-node lattice survives a host restart without a
// reachable Redis. Grounded on internal/database.PoolManager's
// gorm.Open/AutoMigrate/transaction idiom, narrowed to the four
// replicated namespaces and without the multi-driver retry machinery
// that PoolManager carries for a clustered Postgres deployment.
package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wasmlattice/wasmlatticed/lattice"
)

// linkRow, claimsRow, configRow, and aliasRow are the gorm models
// backing the four mirrored namespaces. Values that are themselves
// structured (Link.Interfaces, Claims.Capabilities, Config.Values) are
// stored as JSON text; sqlite has no native array/map column type.
type linkRow struct {
	Key          string `gorm:"primaryKey"`
	SourceID     string
	TargetID     string
	Namespace    string
	Package      string
	LinkName     string
	Interfaces   string
	SourceConfig string
	TargetConfig string
}

type claimsRow struct {
	Subject      string `gorm:"primaryKey"`
	Issuer       string
	CallAlias    string
	Capabilities string
	Version      string
	ExpiresUnix  int64
	NotBeforeUnix int64
}

type configRow struct {
	Name   string `gorm:"primaryKey"`
	Values string
}

type aliasRow struct {
	Alias       string `gorm:"primaryKey"`
	ComponentID string
}

// Mirror persists the store's four namespaces to a sqlite file. It
// implements store.DurableMirror.
type Mirror struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (creating if absent) the sqlite file at path and ensures
// the mirror's tables exist.
func Open(path string, zlog *zap.Logger) (*Mirror, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormZapLogger{zlog: zlog.With(zap.String("component", "store_durable"))},
	})
	if err != nil {
		return nil, fmt.Errorf("durable: open sqlite at %q: %w", path, err)
	}

	if err := db.AutoMigrate(&linkRow{}, &claimsRow{}, &configRow{}, &aliasRow{}); err != nil {
		return nil, fmt.Errorf("durable: auto migrate: %w", err)
	}

	return &Mirror{db: db, logger: zlog.With(zap.String("component", "store_durable"))}, nil
}

// SaveLink upserts link by its store key.
func (m *Mirror) SaveLink(link lattice.Link) error {
	interfaces, err := json.Marshal(link.Interfaces)
	if err != nil {
		return fmt.Errorf("durable: marshal interfaces: %w", err)
	}
	sourceConfig, err := json.Marshal(link.SourceConfig)
	if err != nil {
		return fmt.Errorf("durable: marshal source config: %w", err)
	}
	targetConfig, err := json.Marshal(link.TargetConfig)
	if err != nil {
		return fmt.Errorf("durable: marshal target config: %w", err)
	}

	row := linkRow{
		Key:          link.Key(),
		SourceID:     link.SourceID,
		TargetID:     link.TargetID,
		Namespace:    link.Namespace,
		Package:      link.Package,
		LinkName:     link.LinkName,
		Interfaces:   string(interfaces),
		SourceConfig: string(sourceConfig),
		TargetConfig: string(targetConfig),
	}
	return m.db.Save(&row).Error
}

// DeleteLink removes the link with the given store key, if present.
func (m *Mirror) DeleteLink(key string) error {
	return m.db.Delete(&linkRow{}, "key = ?", key).Error
}

// SaveClaims upserts c by subject.
func (m *Mirror) SaveClaims(c lattice.Claims) error {
	capabilities, err := json.Marshal(c.Capabilities)
	if err != nil {
		return fmt.Errorf("durable: marshal capabilities: %w", err)
	}

	row := claimsRow{
		Subject:      c.Subject,
		Issuer:       c.Issuer,
		CallAlias:    c.CallAlias,
		Capabilities: string(capabilities),
		Version:      c.Version,
	}
	if !c.Expires.IsZero() {
		row.ExpiresUnix = c.Expires.Unix()
	}
	if !c.NotBefore.IsZero() {
		row.NotBeforeUnix = c.NotBefore.Unix()
	}
	return m.db.Save(&row).Error
}

// SaveConfig upserts a named config.
func (m *Mirror) SaveConfig(c lattice.Config) error {
	values, err := json.Marshal(c.Values)
	if err != nil {
		return fmt.Errorf("durable: marshal config values: %w", err)
	}
	row := configRow{Name: c.Name, Values: string(values)}
	return m.db.Save(&row).Error
}

// SaveAlias upserts an alias -> component id binding.
func (m *Mirror) SaveAlias(alias, componentID string) error {
	row := aliasRow{Alias: alias, ComponentID: componentID}
	return m.db.Save(&row).Error
}

// LoadAll reads every mirrored row back into the store's in-memory
// shapes, used once at host startup to hydrate the cache.
func (m *Mirror) LoadAll() ([]lattice.Link, []lattice.Claims, []lattice.Config, map[string]string, error) {
	var linkRows []linkRow
	if err := m.db.Find(&linkRows).Error; err != nil {
		return nil, nil, nil, nil, fmt.Errorf("durable: load links: %w", err)
	}
	links := make([]lattice.Link, 0, len(linkRows))
	for _, r := range linkRows {
		l := lattice.Link{
			SourceID:  r.SourceID,
			TargetID:  r.TargetID,
			Namespace: r.Namespace,
			Package:   r.Package,
			LinkName:  r.LinkName,
		}
		_ = json.Unmarshal([]byte(r.Interfaces), &l.Interfaces)
		_ = json.Unmarshal([]byte(r.SourceConfig), &l.SourceConfig)
		_ = json.Unmarshal([]byte(r.TargetConfig), &l.TargetConfig)
		links = append(links, l)
	}

	var claimRows []claimsRow
	if err := m.db.Find(&claimRows).Error; err != nil {
		return nil, nil, nil, nil, fmt.Errorf("durable: load claims: %w", err)
	}
	claimsList := make([]lattice.Claims, 0, len(claimRows))
	for _, r := range claimRows {
		c := lattice.Claims{
			Issuer:    r.Issuer,
			Subject:   r.Subject,
			CallAlias: r.CallAlias,
			Version:   r.Version,
		}
		_ = json.Unmarshal([]byte(r.Capabilities), &c.Capabilities)
		if r.ExpiresUnix != 0 {
			c.Expires = unixTime(r.ExpiresUnix)
		}
		if r.NotBeforeUnix != 0 {
			c.NotBefore = unixTime(r.NotBeforeUnix)
		}
		claimsList = append(claimsList, c)
	}

	var configRows []configRow
	if err := m.db.Find(&configRows).Error; err != nil {
		return nil, nil, nil, nil, fmt.Errorf("durable: load configs: %w", err)
	}
	configs := make([]lattice.Config, 0, len(configRows))
	for _, r := range configRows {
		c := lattice.Config{Name: r.Name}
		_ = json.Unmarshal([]byte(r.Values), &c.Values)
		configs = append(configs, c)
	}

	var aliasRows []aliasRow
	if err := m.db.Find(&aliasRows).Error; err != nil {
		return nil, nil, nil, nil, fmt.Errorf("durable: load aliases: %w", err)
	}
	aliases := make(map[string]string, len(aliasRows))
	for _, r := range aliasRows {
		aliases[r.Alias] = r.ComponentID
	}

	return links, claimsList, configs, aliases, nil
}

// Close releases the underlying sqlite connection.
func (m *Mirror) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// gormZapLogger adapts *zap.Logger to gorm's logger.Interface, routing
// SQL errors to zap.Error and everything else to zap.Debug rather than
// gorm's own stdout default, matching PoolManager's structured-logging
// convention.
type gormZapLogger struct {
	zlog *zap.Logger
}

func (l gormZapLogger) LogMode(logger.LogLevel) logger.Interface { return l }

func (l gormZapLogger) Info(_ context.Context, msg string, args ...interface{}) {
	l.zlog.Sugar().Debugf(msg, args...)
}

func (l gormZapLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	l.zlog.Sugar().Warnf(msg, args...)
}

func (l gormZapLogger) Error(_ context.Context, msg string, args ...interface{}) {
	l.zlog.Sugar().Errorf(msg, args...)
}

func (l gormZapLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if err != nil {
		sql, rows := fc()
		l.zlog.Error("gorm query failed",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", time.Since(begin)),
			zap.Error(err),
		)
	}
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
