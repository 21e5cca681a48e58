// Package storage groups the persistence backends behind the billing
// contracts (billing.Store, billing.EventLedger, billing.Catalog,
// billing.Locker and billing.Lease).
//
// # Backends
//
// memory: maps guarded by a mutex. Used by tests and single-node development
// runs. The catalog can be seeded from a YAML file:
//
//	catalog, err := memory.LoadCatalogFile("catalog.yaml")
//
// postgres: subscriptions, history, products, orders and processed webhook
// events in PostgreSQL (lib/pq). Writes use optimistic concurrency on a
// version column; reads may go to a replica.
//
//	db, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
//		PrimaryURL: "postgres://localhost/renewal?sslmode=disable",
//		MaxConns:   20,
//	}, logger)
//	if err := postgres.RunMigrations(ctx, db.Primary(), logger); err != nil {
//		return err
//	}
//	store := postgres.NewStore(db, metrics)
//
// kv: redis-backed event ledger with a TTL per event id, a lease for the
// due-payment sweep and a per-subscription lock, plus an LRU front for any
// event ledger.
//
//	client, err := kv.NewClient(ctx, kv.Options{URL: "redis://localhost:6379/0"})
//	ledger := kv.NewCachedLedger(kv.NewLedger(client, 7*24*time.Hour, metrics), 10000, time.Hour, metrics)
//
// Any combination works: postgres subscriptions with a redis ledger is the
// usual production setup.
package storage
