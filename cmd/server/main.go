package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/kingjohntom/honggfuzz"
	"github.com/kingjohntom/honggfuzz/hfmem"
	"github.com/kingjohntom/honggfuzz/hfsql"
	"github.com/kingjohntom/honggfuzz/hlog"
)

var (
	pgPasswordURLRe = regexp.MustCompile(`^(postgres(?:ql)?://[^:/@]+):[^@]+@`)
	pgPasswordKVRe  = regexp.MustCompile(`(password=)\S+`)
)

// redactPGPassword hides the password in a PostgreSQL connection string so
// that the string can be logged.
func redactPGPassword(url string) string {
	if pgPasswordURLRe.MatchString(url) {
		return pgPasswordURLRe.ReplaceAllString(url, "${1}:<redacted>@")
	}
	return pgPasswordKVRe.ReplaceAllString(url, "${1}<redacted>")
}

func main() {
	cfg := &honggfuzz.ServerConfig{}

	var host string
	var port int
	flag.StringVar(&host, "host", "", "Hostname/IP on which to listen. Leave empty to listen on all interfaces.")
	flag.IntVar(&port, "port", 8080, "Port on which to listen")
	flag.DurationVar(&cfg.CampaignTTL, "campaign-ttl", 24*time.Hour,
		"Time after which campaigns without status updates disappear from the dashboard")
	flag.IntVar(&cfg.ListLimit, "list-limit", 100,
		"Maximum number of campaigns and reports shown in list views")
	flag.StringVar(&cfg.TlsCertChain, "tls-cert", "", "Path to chain.pem for TLS")
	flag.StringVar(&cfg.TlsPrivKey, "tls-key", "", "Path to privkey.pem for TLS")
	redisAddr := flag.String("redis-addr", "",
		"Address of a Redis instance shared with the fuzzers. If empty, campaigns are kept in memory.")
	postgresURL := flag.String("postgres-url", "",
		"PostgreSQL connection string for persistent campaign and report storage")
	flag.Parse()
	isPortSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "port" {
			isPortSet = true
		}
	})
	// If -port was not specified explicitly, try the $PORT environment variable.
	envPort := os.Getenv("PORT")
	if !isPortSet && envPort != "" {
		p, err := strconv.Atoi(envPort)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid port: %v\n", envPort)
			os.Exit(1)
		}
		port = p
	}
	if len(flag.Args()) > 0 {
		fmt.Fprintf(os.Stderr, "unexpected extra arguments: %v\n", flag.Args())
		os.Exit(1)
	}
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)

	memStore := honggfuzz.NewMemoryStore(cfg.CampaignTTL)
	var campaigns honggfuzz.CampaignStore = memStore
	var reports honggfuzz.ReportStore = memStore
	var events honggfuzz.EventBus = memStore
	if *redisAddr != "" {
		rc, err := hfmem.NewRedisClient(&hfmem.RedisClientConfig{
			Addr:        *redisAddr,
			CampaignTTL: cfg.CampaignTTL,
		})
		if err != nil {
			hlog.Fatalf("Cannot connect to Redis: %s", err)
		}
		campaigns, reports, events = rc, rc, rc
	}
	if *postgresURL != "" {
		ctx := context.Background()
		pg, err := hfsql.NewPostgresStore(ctx, *postgresURL)
		if err != nil {
			hlog.Fatalf("Cannot connect to PostgreSQL: %s", err)
		}
		if err := pg.CreateTables(ctx); err != nil {
			hlog.Fatalf("Cannot create tables: %s", err)
		}
		hlog.Infof("Connected to PostgreSQL at %s", redactPGPassword(*postgresURL))
		// Campaigns and reports are persisted in Postgres. Live events stay
		// on Redis or in memory, Postgres has no pub/sub.
		campaigns, reports = pg, pg
	}
	srv, err := honggfuzz.NewServer(cfg, campaigns, reports, events)
	if err != nil {
		hlog.Fatalf("Cannot create server: %s", err)
	}
	srv.Serve()
}
