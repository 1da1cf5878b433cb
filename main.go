package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/events"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/server"
	"github.com/mqy/minichat/social"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

const eventPayloadMaxBytes = 4096

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "minichat.pid", "pid file")

	flagStore     = flag.String("store", "bolt", "message store: bolt or mysql")
	flagBoltPath  = flag.String("bolt-path", "minichat.db", "bolt database file, for --store=bolt")
	flagMysqlDsn  = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn, for --store=mysql")
	flagSeedUsers = flag.String("seed-users", "", "comma separated id[:display name] users to create at start")

	flagAuth          = flag.String("auth", "cookie", "request authentication: cookie (trusts x-uid, development only) or jwt")
	flagJwtSecret     = flag.String("jwt-secret", "", "HS256 secret, for --auth=jwt")
	flagIssueToken    = flag.String("issue-token", "", "print a 24h jwt for this user id and exit, for --auth=jwt")
	flagWsRequireAuth = flag.Bool("ws-require-auth", false, "reject websocket upgrades that fail authentication")

	flagPresenceTTL  = flag.Duration("presence-ttl", ws.DefaultPresenceTTL, "drop presence of connections idle longer than this, 0 disables")
	flagMaxTextBytes = flag.Int("max-text-bytes", chat.DefaultMaxTextBytes, "max message text size in bytes")

	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers for domain events, empty disables")
	flagKafkaTopic   = flag.String("kafka-topic", "minichat-events", "kafka topic for domain events")

	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	authClient := newAuthClient()
	if *flagIssueToken != "" {
		token, err := authClient.(*auth.JWTClient).IssueToken(*flagIssueToken, 24*time.Hour)
		if err != nil {
			return errorf("issue token: %v", err)
		}
		fmt.Println(token)
		return 0
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	glog.Info("minichat server is starting")

	st, err := openStore()
	if err != nil {
		return errorf("open store: %v", err)
	}
	defer func() {
		_ = st.Close()
	}()

	if err := seedUsers(st, *flagSeedUsers); err != nil {
		return errorf("--seed-users: %v", err)
	}

	var publisher events.Publisher = events.Nop{}
	if *flagKafkaBrokers != "" {
		kp := events.NewKafkaPublisher(strings.Split(*flagKafkaBrokers, ","), *flagKafkaTopic, eventPayloadMaxBytes)
		defer func() {
			_ = kp.Close()
		}()
		publisher = kp
	}

	registry := presence.NewRegistry()
	defer registry.Stop()

	socialSvc := social.NewService(st, st, st, publisher)
	chatSvc := chat.NewService(st, st, *flagMaxTextBytes)
	router := chat.NewRouter(chatSvc, registry, publisher)

	hub := ws.NewHub(authClient, router, registry, &ws.HubConf{
		RequireAuth: *flagWsRequireAuth,
		PresenceTTL: *flagPresenceTTL,
	})

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	api.NewServer(authClient, socialSvc, chatSvc, router).Register(mux)

	srv := server.NewStandalone(&server.Conf{
		Addr: *flagAddr,
		Mux:  mux,
		Hub:  hub,
	})
	lis, err := srv.Listen()
	if err != nil {
		return errorf("%v", err)
	}

	stopNotifyChan := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Run(ctx, lis, stopNotifyChan)

	glog.Infof("minichat server is started, `CTRL+c` or `kill %d` to graceful stop", pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	for sig := range sigCh {
		if stopping {
			glog.Infof("minichat server is already in stop")
			continue
		}
		stopping = true
		glog.Infof("received signal `%s` stopping", sig.String())
		go func() {
			cancel()
			<-stopNotifyChan
			close(stopNotifyChan)
			signal.Stop(sigCh)
			close(sigCh)
		}()
	}

	glog.Info("minichat server exited")
	return 0
}

func newAuthClient() auth.Client {
	if *flagAuth == "jwt" {
		return auth.NewJWTClient(*flagJwtSecret)
	}
	return &auth.MockClient{}
}

func openStore() (store.IStore, error) {
	if *flagStore == "bolt" {
		return store.OpenBoltStore(*flagBoltPath)
	}

	db, err := sql.Open("mysql", *flagMysqlDsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
	}

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(1)

	return store.NewMysqlStore(db), nil
}

// seedUsers creates users from `id[:display name]` items.
func seedUsers(st store.IStore, users string) error {
	if users == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, item := range strings.Split(users, ",") {
		id, name, _ := strings.Cut(strings.TrimSpace(item), ":")
		if id == "" {
			return fmt.Errorf("empty user id in `%s`", item)
		}
		if err := st.PutUser(ctx, &chatstore.User{ID: id, DisplayName: name}); err != nil {
			return fmt.Errorf("put user %s: %v", id, err)
		}
		glog.V(5).Infof("seeded user %s", id)
	}
	return nil
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}

	switch *flagStore {
	case "bolt":
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required.")
		}
	case "mysql":
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required.")
		}
	default:
		return errorf("--store MUST be bolt or mysql")
	}

	switch *flagAuth {
	case "cookie":
		if *flagIssueToken != "" {
			return errorf("--issue-token requires --auth=jwt")
		}
	case "jwt":
		if len(*flagJwtSecret) < 16 {
			return errorf("--jwt-secret is required, at least 16 bytes")
		}
	default:
		return errorf("--auth MUST be cookie or jwt")
	}

	if *flagPresenceTTL < 0 {
		return errorf("--presence-ttl MUST not be negative")
	} else if *flagPresenceTTL > 0 && *flagPresenceTTL < time.Minute {
		// pings are 20s apart; a shorter ttl would drop live connections.
		return errorf("--presence-ttl MUST be 0 or at least 1m")
	}

	if *flagMaxTextBytes <= 0 {
		return errorf("--max-text-bytes is required positive integer")
	}

	if *flagKafkaBrokers != "" && *flagKafkaTopic == "" {
		return errorf("--kafka-topic is required.")
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(strings.TrimSpace(string(content)))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			} else {
				glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
