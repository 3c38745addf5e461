package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xrypton/trust-node/pkg/canon"
	"github.com/xrypton/trust-node/trust/api"
	"github.com/xrypton/trust-node/trust/config"
	"github.com/xrypton/trust-node/trust/content"
	"github.com/xrypton/trust-node/trust/db/leveldb"
	"github.com/xrypton/trust-node/trust/engine"
	"github.com/xrypton/trust-node/trust/engine/local"
	"github.com/xrypton/trust-node/trust/keys"
	"github.com/xrypton/trust-node/trust/metrics"
	"github.com/xrypton/trust-node/trust/push"
	"github.com/xrypton/trust-node/trust/wot"
)

var Debug = flag.Bool("debug", false, "debug logs")
var ConfigPath = flag.String("config", "./config.json", "path to config file")
var Token = flag.String("token", "", "session token for the api backend")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
		return
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.LogFilename != "" {
		writer = zerolog.MultiLevelWriter(writer, &lumberjack.Logger{
			Filename:   cfg.LogFilename,
			MaxSize:    64,
			MaxBackups: 3,
			Compress:   true,
		})
	}

	log.Logger = zerolog.New(writer).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if *Debug {
		log.Logger = log.Logger.Level(zerolog.DebugLevel).With().Logger()
	}

	log.Info().Str("fingerprint", cfg.Fingerprint).Msg("local identity loaded")

	store, isNew, err := leveldb.NewDB(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open db")
		return
	}
	defer store.Close()
	if isNew {
		log.Info().Str("path", cfg.DBPath).Msg("created fresh local store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// seed the store so out-of-session contexts (push) can find secrets
	if cfg.AccountID != "" {
		_ = store.Set(ctx, "account:"+cfg.AccountID+":private_key", cfg.PrivateKey)
		_ = store.Set(ctx, "active_account", cfg.AccountID)
	} else {
		_ = store.Set(ctx, "private_key", cfg.PrivateKey)
	}

	// the reference engine answers the mailbox in-process; a real deployment
	// points the mailbox at the external engine instead
	eng := local.NewEngine()
	mb := engine.NewMailbox()
	go eng.Serve(ctx, mb)

	client := api.NewClient(cfg.APIBaseURL, api.StaticAuth(*Token))

	confirm := &terminalConfirmer{}
	resolver := keys.NewResolver(store, client, mb, confirm)
	flow := wot.NewFlow(client, mb, confirm, cfg.PrivateKey, cfg.Fingerprint, cfg.KeyServerURL)
	pipeline := push.NewPipeline(store, mb, func(auth api.AuthProvider) push.API {
		return client.WithAuth(auth)
	})
	verifier := content.NewVerifier(client, mb, resolver)

	if cfg.MetricsListenAddr != "" {
		metrics.RegisterMetrics()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListenAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		log.Info().Str("addr", cfg.MetricsListenAddr).Msg("metrics server started")
	}

	run(ctx, cfg, store, eng, client, resolver, flow, pipeline, verifier)
}

func run(ctx context.Context, cfg *config.Config, store *leveldb.DB, eng *local.Engine, client *api.Client, resolver *keys.Resolver, flow *wot.Flow, pipeline *push.Pipeline, verifier *content.Verifier) {
	for {
		var cmd string
		fmt.Scanln(&cmd)

		switch cmd {
		case "keys":
			println("User id:")
			var userID string
			fmt.Scanln(&userID)

			k := resolver.ResolveKeys(ctx, userID)
			if k == nil {
				println("no keys")
				continue
			}
			println("FINGERPRINT:", k.Fingerprint)
		case "refresh":
			println("User id:")
			var userID string
			fmt.Scanln(&userID)

			res := resolver.RefreshKeys(ctx, userID)
			if res.Status == keys.RefreshChanged {
				println("KEYS CHANGED, confirmed:", fmt.Sprint(res.Confirmed))
				continue
			}
			println("KEYS UNCHANGED")
		case "name":
			println("User id:")
			var userID string
			fmt.Scanln(&userID)
			println("Raw name value:")
			var raw string
			fmt.Scanln(&raw)

			println("DISPLAY NAME:", resolver.ResolveDisplayName(ctx, userID, raw, ""))
		case "gen":
			code, err := flow.GenerateCode(ctx)
			if err != nil {
				println("failed to generate code:", err.Error())
				continue
			}
			println("TRUST CODE:", code)
		case "scan":
			println("Scanned code:")
			var code string
			fmt.Scanln(&code)

			req, err := flow.VerifyCode(ctx, code)
			if err != nil {
				println("code rejected:", err.Error())
				continue
			}
			if err = flow.Certify(ctx, req); err != nil {
				println("certification failed:", err.Error())
				continue
			}
			println("CERTIFICATION UPLOADED")
		case "verify":
			println("Target json ({uri, cid, record}):")
			var line string
			fmt.Scanln(&line)

			var t struct {
				URI    string          `json:"uri"`
				CID    string          `json:"cid"`
				Record json.RawMessage `json:"record"`
			}
			if err := json.Unmarshal([]byte(line), &t); err != nil {
				println("bad target json:", err.Error())
				continue
			}

			lvl := verifier.VerifyOne(ctx, content.Target{URI: t.URI, CID: t.CID, Record: t.Record})
			println("LEVEL:", lvl.String())
		case "sign":
			println("Target json ({uri, cid, record}):")
			var line string
			fmt.Scanln(&line)

			var t struct {
				URI    string          `json:"uri"`
				CID    string          `json:"cid"`
				Record json.RawMessage `json:"record"`
			}
			if err := json.Unmarshal([]byte(line), &t); err != nil {
				println("bad target json:", err.Error())
				continue
			}

			sig, err := eng.SignEmbed(ctx, cfg.PrivateKey, []byte(canon.Target(t.URI, t.CID, t.Record)))
			if err != nil {
				println("failed to sign target:", err.Error())
				continue
			}
			if err = client.SubmitSignature(ctx, api.SignatureSubmission{URI: t.URI, CID: t.CID, Signature: sig}); err != nil {
				println("failed to submit signature:", err.Error())
				continue
			}
			println("SIGNATURE SUBMITTED")
		case "push":
			println("Notification stub json:")
			var line string
			fmt.Scanln(&line)

			var stub push.Notification
			if err := json.Unmarshal([]byte(line), &stub); err != nil {
				println("bad stub json:", err.Error())
				continue
			}

			text, ok := pipeline.Decrypt(ctx, stub)
			if !ok {
				println("CANNOT DECRYPT, showing generic notification")
				continue
			}
			println("MESSAGE:", text)
		case "ids":
			ids, err := resolver.KnownIdentities(ctx)
			if err != nil {
				println("failed to list identities:", err.Error())
				continue
			}
			for _, id := range ids {
				println(id)
			}
		case "remove":
			println("User id:")
			var userID string
			fmt.Scanln(&userID)

			if err := resolver.RemoveAccount(ctx, userID); err != nil {
				println("failed to remove:", err.Error())
				continue
			}
			println("REMOVED")
		case "backup":
			if err := store.Backup(); err != nil {
				println("backup failed:", err.Error())
				continue
			}
			println("BACKUP DONE")
		case "fp":
			println("YOUR FINGERPRINT:", cfg.Fingerprint)
		case "exit":
			return
		default:
			println("UNKNOWN COMMAND " + cmd)
		}
	}
}

// terminalConfirmer implements the blocking human confirmation steps on the
// terminal.
type terminalConfirmer struct{}

func (c *terminalConfirmer) ConfirmKeyChange(ctx context.Context, userID string, current, fresh *keys.CachedPublicKeys) bool {
	println("KEY CHANGE for", userID)
	println("  old:", current.Fingerprint)
	println("  new:", fresh.Fingerprint)
	println("Accept new key? (yes/no):")
	return readYes()
}

func (c *terminalConfirmer) ConfirmCertification(ctx context.Context, req *wot.SignRequest) bool {
	suffix := req.TargetFingerprint
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	println("CERTIFY key ..." + suffix)
	println("  identity:  " + req.TargetUserID)
	println("  keyserver: " + req.KeyServerBase)
	println("This cannot be undone. Proceed? (yes/no):")
	return readYes()
}

func readYes() bool {
	var answer string
	fmt.Scanln(&answer)
	return strings.EqualFold(strings.TrimSpace(answer), "yes")
}
