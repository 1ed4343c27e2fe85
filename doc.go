// Package shardxa is the distributed commit coordinator of a MySQL sharding
// proxy. A logical transaction that touched several data nodes is finished
// with XA two-phase commit: every branch is ended and prepared, the decision
// is made durable in a recovery log, and the branches are committed. Commits
// that keep failing are handed to a background worker, and a restarted
// coordinator resumes whatever the recovery log still holds.
//
// # Embedding the coordinator
//
// A Service wires the recovery log store, the data node pool and the retry
// worker around a commit coordinator:
//
//	cfg := shardxa.Config{
//	    Store: "disk:///var/lib/shardxa",
//	    DataNodes: []mysqlconn.Node{
//	        {Name: "dn1", DSN: "proxy:secret@tcp(10.0.0.11:3306)/"},
//	        {Name: "dn2", DSN: "proxy:secret@tcp(10.0.0.12:3306)/"},
//	    },
//	}
//	svc, err := shardxa.NewService(cfg)
//	if err != nil { log.Fatal(err) }
//	if err := svc.Start(ctx); err != nil { log.Fatal(err) }
//	defer svc.Shutdown(context.Background())
//
//	sess, err := svc.Begin(ctx, sessionID, client,
//	    xa.Target{Name: "dn1", Schema: "orders"},
//	    xa.Target{Name: "dn2", Schema: "orders"})
//	// run statements on sess.Conns, then
//	err = sess.Txn.Commit(ctx)
//
// The final OK or error packet is written to client once the outcome is
// known. A commit that exhausts its foreground retries still answers the
// client and continues in the background until every branch is committed.
//
// # Recovery log
//
// Config.Store selects the backend holding one JSON record per in-flight
// transaction: mem:// for tests, disk:///path, or s3://bucket/prefix (aws://
// for AWS). Start replays the log before accepting work; decided
// transactions are committed and undecided ones are rolled back.
//
// # Telemetry
//
// MetricsListen exposes Prometheus metrics together with /alerts (standing
// operator alerts as JSON) and /healthz. OTLPEndpoint enables tracing and
// PprofListen mounts net/http/pprof.
package shardxa
