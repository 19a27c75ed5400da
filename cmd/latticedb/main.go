// Command latticedb is a thin inspection and maintenance tool for a lattice
// database file, in the spirit of the teacher's own cmd/main.go REPL: a
// flag-based CLI rather than a cobra tree, since the engine itself (per
// spec.md's non-goals) stays out of the CLI-sugar business.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/lattice-db/lattice"
	"github.com/lattice-db/lattice/internal/maintenance"
)

var (
	flagConfig = flag.String("config", "", "path to a YAML config file (lattice.Config)")
	flagPath   = flag.String("path", "", "transaction log path, overrides config")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cfg := lattice.Config{}
	if *flagConfig != "" {
		loaded, err := lattice.LoadConfig(*flagConfig)
		if err != nil {
			log.Fatalf("latticedb: %v", err)
		}
		cfg = loaded
	}
	if *flagPath != "" {
		cfg.Path = *flagPath
	}
	if cfg.Path == "" {
		log.Fatal("latticedb: no path given (-path or -config)")
	}

	switch args[0] {
	case "open":
		runOpen(cfg)
	case "stat":
		runStat(cfg)
	case "snapshot":
		if len(args) < 2 {
			log.Fatal("latticedb: snapshot requires a target path")
		}
		runSnapshot(cfg, args[1])
	case "serve-maintenance":
		runServeMaintenance(cfg)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: latticedb [-config path.yaml] [-path log.db] <command>

commands:
  open                    open the log and report success
  stat                    print tx_count and len
  snapshot <target>       compact the log into one transaction appended to target
  serve-maintenance       run the cron-based snapshot scheduler until killed`)
}

func runOpen(cfg lattice.Config) {
	db, err := lattice.Open(cfg.Path)
	if err != nil {
		log.Fatalf("latticedb: open: %v", err)
	}
	defer db.Close()
	fmt.Printf("opened %s (tx_count=%d len=%d)\n", cfg.Path, db.TxCount(), db.Len())
}

func runStat(cfg lattice.Config) {
	db, err := lattice.Open(cfg.Path)
	if err != nil {
		log.Fatalf("latticedb: open: %v", err)
	}
	defer db.Close()
	fmt.Printf("tx_count=%d\n", db.TxCount())
	fmt.Printf("len=%d\n", db.Len())
}

func runSnapshot(cfg lattice.Config, target string) {
	db, err := lattice.Open(cfg.Path)
	if err != nil {
		log.Fatalf("latticedb: open: %v", err)
	}
	defer db.Close()
	if err := db.Snapshot(target); err != nil {
		log.Fatalf("latticedb: snapshot: %v", err)
	}
	fmt.Printf("snapshot written to %s\n", target)
}

func runServeMaintenance(cfg lattice.Config) {
	db, err := lattice.Open(cfg.Path)
	if err != nil {
		log.Fatalf("latticedb: open: %v", err)
	}
	defer db.Close()

	interval := cfg.SnapshotInterval
	if interval <= 0 {
		interval = time.Hour
	}
	target := cfg.SnapshotPath
	if target == "" {
		target = cfg.Path + ".snapshot"
	}

	sched, err := maintenance.New(db, fmt.Sprintf("@every %s", interval), func() string { return target })
	if err != nil {
		log.Fatalf("latticedb: maintenance: %v", err)
	}
	if err := sched.Start(); err != nil {
		log.Fatalf("latticedb: maintenance: %v", err)
	}
	fmt.Printf("serving maintenance: snapshotting to %s every %s (ctrl-c to stop)\n", target, interval)

	select {}
}
