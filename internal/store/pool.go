// Package store implements the transactional bulk writer (C5) and the
// connection pools it and the SQL checkpoint backend share.
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archnetwork/arch-indexer/internal/model"
)

// Pools bundles the read and write sub-pools so a burst of read-API-style
// queries can never starve the writer of connections.
type Pools struct {
	Write *pgxpool.Pool
	Read  *pgxpool.Pool
}

// Config holds the DSNs and sizes read from internal/config.
type Config struct {
	WriteDSN      string
	ReadDSN       string
	MaxWriteConns int32
	MaxReadConns  int32
}

// OpenPools establishes both sub-pools. If ReadDSN is empty, it defaults to
// WriteDSN (single-database deployments still get independent pool limits).
func OpenPools(ctx context.Context, cfg Config) (*Pools, error) {
	writeCfg, err := pgxpool.ParseConfig(cfg.WriteDSN)
	if err != nil {
		return nil, model.Wrap(model.ErrConfigStartup, "parse write dsn", err)
	}
	if cfg.MaxWriteConns > 0 {
		writeCfg.MaxConns = cfg.MaxWriteConns
	}
	writePool, err := pgxpool.NewWithConfig(ctx, writeCfg)
	if err != nil {
		return nil, model.Wrap(model.ErrConfigStartup, "open write pool", err)
	}
	if err := writePool.Ping(ctx); err != nil {
		writePool.Close()
		return nil, model.Wrap(model.ErrConfigStartup, "ping write pool", err)
	}

	readDSN := cfg.ReadDSN
	if readDSN == "" {
		readDSN = cfg.WriteDSN
	}
	readCfg, err := pgxpool.ParseConfig(readDSN)
	if err != nil {
		writePool.Close()
		return nil, model.Wrap(model.ErrConfigStartup, "parse read dsn", err)
	}
	if cfg.MaxReadConns > 0 {
		readCfg.MaxConns = cfg.MaxReadConns
	}
	readPool, err := pgxpool.NewWithConfig(ctx, readCfg)
	if err != nil {
		writePool.Close()
		return nil, model.Wrap(model.ErrConfigStartup, "open read pool", err)
	}
	if err := readPool.Ping(ctx); err != nil {
		writePool.Close()
		readPool.Close()
		return nil, model.Wrap(model.ErrConfigStartup, "ping read pool", err)
	}

	return &Pools{Write: writePool, Read: readPool}, nil
}

func (p *Pools) Close() {
	p.Write.Close()
	p.Read.Close()
}
