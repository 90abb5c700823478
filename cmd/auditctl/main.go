// Command auditctl is the operator CLI: partition maintenance, database
// health inspection, and a small ingestion benchmark. Exit codes:
// 0 success, 1 general error, 2 configuration error, 3 connectivity error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/infrastructure/config"
	"github.com/caretrail/auditcore/internal/infrastructure/database"
	"github.com/caretrail/auditcore/internal/metrics"
	"github.com/caretrail/auditcore/internal/service/ingest"
)

const (
	exitOK            = 0
	exitGeneral       = 1
	exitConfiguration = 2
	exitConnectivity  = 3
)

const usage = `usage: auditctl [-config path] <command> [args]

commands:
  config create <env>                    print a starter config for an environment
  partition {create|list|analyze|cleanup|migrate}
  monitor {slow-queries|indexes|tables|summary}
  optimize {maintenance|config}
  client {health|report}
  benchmark [n]
`

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		return exitConfiguration
	}
	command, args := flag.Arg(0), flag.Args()[1:]

	// config create needs no connections.
	if command == "config" {
		return runConfig(args)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		return exitConfiguration
	}
	if cfg.Database.URL == "" {
		fmt.Fprintln(os.Stderr, "database url is not configured")
		return exitConfiguration
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := database.NewClient(ctx, cfg.Database, metrics.NewRegistry(), zap.NewNop())
	if err != nil {
		fmt.Fprintln(os.Stderr, "database connection failed:", err)
		return exitConnectivity
	}
	defer db.Close()

	cli := &cli{cfg: cfg, db: db}

	switch command {
	case "partition":
		return cli.partition(ctx, args)
	case "monitor":
		return cli.monitor(ctx, args)
	case "optimize":
		return cli.optimize(ctx, args)
	case "client":
		return cli.client(ctx, args)
	case "benchmark":
		return cli.benchmark(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		flag.Usage()
		return exitConfiguration
	}
}

type cli struct {
	cfg *config.Config
	db  *database.Client
}

func (c *cli) partitions() *database.PartitionManager {
	return database.NewPartitionManager(c.db, c.cfg.Partition, zap.NewNop())
}

func (c *cli) partition(ctx context.Context, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: auditctl partition {create|list|analyze|cleanup|migrate}")
		return exitConfiguration
	}
	pm := c.partitions()

	switch args[0] {
	case "create":
		if err := pm.EnsureAhead(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "partition create failed:", err)
			return exitGeneral
		}
		fmt.Printf("partitions ensured through %s\n",
			audit.PartitionNameFor(time.Now().UTC().AddDate(0, c.cfg.Partition.EnsureAheadMonths, 0)))

	case "list":
		partitions, err := pm.List(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "partition list failed:", err)
			return exitGeneral
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PARTITION\tFROM\tTO")
		for _, p := range partitions {
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.PartitionName,
				p.RangeStart.Format("2006-01-02"), p.RangeEnd.Format("2006-01-02"))
		}
		w.Flush()

	case "analyze":
		if err := pm.Analyze(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "partition analyze failed:", err)
			return exitGeneral
		}
		fmt.Println("analyze complete")

	case "cleanup":
		if c.cfg.Partition.RetentionMonths <= 0 {
			fmt.Fprintln(os.Stderr, "retention is disabled (partition.retention_months = 0)")
			return exitConfiguration
		}
		dropped, err := pm.DropExpired(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "partition cleanup failed:", err)
			return exitGeneral
		}
		if len(dropped) == 0 {
			fmt.Println("no partitions past retention")
		}
		for _, name := range dropped {
			fmt.Println("dropped", name)
		}

	case "migrate":
		// Offline conversion of a plain audit_log table to the
		// partitioned layout. Re-run to resume after a failure.
		if err := pm.MigrateFromLegacy(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "partition migrate failed:", err)
			return exitGeneral
		}
		fmt.Println("migration complete")

	default:
		fmt.Fprintf(os.Stderr, "unknown partition action %q\n", args[0])
		return exitConfiguration
	}
	return exitOK
}

func (c *cli) monitor(ctx context.Context, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: auditctl monitor {slow-queries|indexes|tables|summary}")
		return exitConfiguration
	}

	switch args[0] {
	case "slow-queries":
		stats, err := c.db.SlowQueries(ctx, 20)
		if err != nil {
			fmt.Fprintln(os.Stderr, "slow query report failed:", err)
			return exitGeneral
		}
		if len(stats) == 0 {
			fmt.Println("no statements above the slow-query threshold")
			return exitOK
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CALLS\tMEAN_MS\tMAX_MS\tROWS\tQUERY")
		for _, s := range stats {
			query := s.Query
			if len(query) > 80 {
				query = query[:77] + "..."
			}
			fmt.Fprintf(w, "%d\t%.1f\t%.1f\t%d\t%s\n", s.Calls, s.MeanTimeMs, s.MaxTimeMs, s.Rows, query)
		}
		w.Flush()

	case "indexes":
		return c.reportQuery(ctx, `
			SELECT indexrelname, relname, idx_scan,
			       pg_size_pretty(pg_relation_size(indexrelid))
			FROM pg_stat_user_indexes
			ORDER BY idx_scan ASC
			LIMIT 30`,
			"INDEX\tTABLE\tSCANS\tSIZE")

	case "tables":
		return c.reportQuery(ctx, `
			SELECT relname, n_live_tup::text, n_dead_tup::text,
			       pg_size_pretty(pg_total_relation_size(relid))
			FROM pg_stat_user_tables
			ORDER BY pg_total_relation_size(relid) DESC
			LIMIT 30`,
			"TABLE\tLIVE\tDEAD\tSIZE")

	case "summary":
		conns, err := c.db.Connections(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "connection summary failed:", err)
			return exitGeneral
		}
		partitions, err := c.partitions().List(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "partition summary failed:", err)
			return exitGeneral
		}
		fmt.Printf("connections: %d total, %d active, %d idle, %d idle-in-txn, %d waiting\n",
			conns.Total, conns.Active, conns.Idle, conns.IdleInTransaction, conns.Waiting)
		fmt.Printf("partitions: %d\n", len(partitions))

	default:
		fmt.Fprintf(os.Stderr, "unknown monitor report %q\n", args[0])
		return exitConfiguration
	}
	return exitOK
}

// reportQuery runs a four-column stats query and prints it as a table.
func (c *cli) reportQuery(ctx context.Context, query, header string) int {
	rows, err := c.db.Pool().Query(ctx, query)
	if err != nil {
		fmt.Fprintln(os.Stderr, "report query failed:", err)
		return exitGeneral
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, header)
	for rows.Next() {
		var a, b, cc, d string
		if err := rows.Scan(&a, &b, &cc, &d); err != nil {
			fmt.Fprintln(os.Stderr, "report scan failed:", err)
			return exitGeneral
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a, b, cc, d)
	}
	w.Flush()
	return exitOK
}

func (c *cli) optimize(ctx context.Context, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: auditctl optimize {maintenance|config}")
		return exitConfiguration
	}

	switch args[0] {
	case "maintenance":
		pm := c.partitions()
		if err := pm.EnsureAhead(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "maintenance ensure failed:", err)
			return exitGeneral
		}
		if c.cfg.Partition.RetentionMonths > 0 {
			dropped, err := pm.DropExpired(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, "maintenance cleanup failed:", err)
				return exitGeneral
			}
			fmt.Printf("dropped %d expired partitions\n", len(dropped))
		}
		if err := pm.Analyze(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "maintenance analyze failed:", err)
			return exitGeneral
		}
		fmt.Println("maintenance complete")

	case "config":
		return c.reportQuery(ctx, `
			SELECT name, setting, COALESCE(unit, ''), source
			FROM pg_settings
			WHERE name IN ('shared_buffers', 'work_mem', 'maintenance_work_mem',
			               'max_connections', 'effective_cache_size', 'random_page_cost')
			ORDER BY name`,
			"SETTING\tVALUE\tUNIT\tSOURCE")

	default:
		fmt.Fprintf(os.Stderr, "unknown optimize action %q\n", args[0])
		return exitConfiguration
	}
	return exitOK
}

func (c *cli) client(ctx context.Context, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: auditctl client {health|report}")
		return exitConfiguration
	}

	switch args[0] {
	case "health":
		if err := c.db.Health(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "unhealthy:", err)
			return exitConnectivity
		}
		fmt.Println("healthy")

	case "report":
		stat := c.db.Pool().Stat()
		fmt.Printf("pool: %d/%d acquired, %d idle, %d total acquires\n",
			stat.AcquiredConns(), stat.MaxConns(), stat.IdleConns(), stat.AcquireCount())
		conns, err := c.db.Connections(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "server stats failed:", err)
			return exitGeneral
		}
		fmt.Printf("server: %d total, %d active, %d waiting\n",
			conns.Total, conns.Active, conns.Waiting)

	default:
		fmt.Fprintf(os.Stderr, "unknown client action %q\n", args[0])
		return exitConfiguration
	}
	return exitOK
}

// benchmark seals and writes n events through the storage path and
// reports the rate. Events land in the real audit_log table under the
// audit-system source so they are distinguishable from production data.
func (c *cli) benchmark(ctx context.Context, args []string) int {
	n := 1000
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed <= 0 {
			fmt.Fprintln(os.Stderr, "benchmark size must be a positive integer")
			return exitConfiguration
		}
		n = parsed
	}

	pm := c.partitions()
	if err := pm.EnsureFor(ctx, time.Now()); err != nil {
		fmt.Fprintln(os.Stderr, "benchmark partition setup failed:", err)
		return exitGeneral
	}
	writer := database.NewWriter(c.db, pm, zap.NewNop())
	sealer := ingest.NewSealer(nil)

	const batchSize = 100
	start := time.Now()
	written := 0
	for written < n {
		size := batchSize
		if remaining := n - written; remaining < size {
			size = remaining
		}
		batch := make([]*audit.Event, 0, size)
		for i := 0; i < size; i++ {
			e, err := audit.NewEvent(time.Now().UTC(), "system.benchmark", audit.StatusSuccess)
			if err != nil {
				fmt.Fprintln(os.Stderr, "benchmark event build failed:", err)
				return exitGeneral
			}
			e.Source = "audit-system"
			e.CorrelationID = fmt.Sprintf("bench-%d-%d", start.UnixNano(), written+i)
			if err := sealer.Seal(ctx, e, false); err != nil {
				fmt.Fprintln(os.Stderr, "benchmark seal failed:", err)
				return exitGeneral
			}
			batch = append(batch, e)
		}
		if err := writer.WriteBatch(ctx, batch); err != nil {
			fmt.Fprintln(os.Stderr, "benchmark write failed:", err)
			return exitGeneral
		}
		written += size
	}

	elapsed := time.Since(start)
	fmt.Printf("wrote %d events in %s (%.0f events/s)\n",
		written, elapsed.Round(time.Millisecond), float64(written)/elapsed.Seconds())
	return exitOK
}

const configTemplate = `environment: %s
log_level: info

queue:
  name: audit-events
  processor:
    workers: 4
  retry:
    max_attempts: 5
    initial_delay: 1s
    max_delay: 1m
    multiplier: 2.0
    jitter: 0.1

database:
  url: postgres://auditcore@localhost:5432/auditcore?sslmode=disable
  max_conns: 25

redis:
  url: localhost:6379

partition:
  ensure_ahead_months: 6
  retention_months: 0

tracing:
  exporter: console

signing:
  mode: none

monitor:
  alerts:
    dedupe_window: 5m
`

func runConfig(args []string) int {
	if len(args) < 2 || args[0] != "create" {
		fmt.Fprintln(os.Stderr, "usage: auditctl config create <env>")
		return exitConfiguration
	}
	fmt.Printf(configTemplate, args[1])
	return exitOK
}
