// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/chzyer/readline"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/zeroconfig"
	"golang.org/x/sync/errgroup"
	flag "maunium.net/go/mauflag"

	"maunium.net/go/mxverify"
	"maunium.net/go/mxverify/crypto/keystore"
	"maunium.net/go/mxverify/crypto/verificationhelper"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var version = flag.MakeFull("v", "version", "View version and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

var writerTypeReadline zeroconfig.WriterType = "readline"

func main() {
	flag.SetHelpTitles(
		"mxverify - interactive Matrix key verification",
		"mxverify [-hev] [-c <path>]")
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Println(mxverify.DefaultUserAgent)
		return
	} else if *writeExampleConfig {
		exerrors.PanicIfNotNil(os.WriteFile(*configPath, []byte(ExampleConfig), 0600))
		return
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(10)
	} else if err = cfg.Validate(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Configuration error:", err)
		os.Exit(11)
	}

	rl := exerrors.Must(readline.New("> "))
	defer func() {
		_ = rl.Close()
	}()
	zeroconfig.RegisterWriter(writerTypeReadline, func(config *zeroconfig.WriterConfig) (io.Writer, error) {
		return rl.Stdout(), nil
	})
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	exzerolog.SetupDefaults(log)

	ctx, cancel := signal.NotifyContext(log.WithContext(context.Background()), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	err = run(ctx, cfg, rl)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("mxverify stopped with an error")
	}
	log.Info().Msg("Shutting down")
}

func initStore(ctx context.Context, cfg *Config) (*dbutil.Database, *keystore.SQLStore, error) {
	log := zerolog.Ctx(ctx)
	log.Debug().Msg("Initializing database connection")
	db, err := dbutil.NewFromConfig("mxverify", cfg.Database, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	store := keystore.NewSQLStore(db, dbutil.ZeroLogger(log.With().Str("db_section", "keystore").Logger()))
	if err = store.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	return db, store, nil
}

func run(ctx context.Context, cfg *Config, rl *readline.Instance) error {
	log := zerolog.Ctx(ctx)
	db, store, err := initStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	client, err := mxverify.NewClient(cfg.Homeserver, cfg.UserID, cfg.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	client.DeviceID = cfg.DeviceID
	client.Log = log.With().Str("component", "matrix client").Logger()
	client.DefaultHTTPRetries = 4
	whoami, err := client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to check access token: %w", err)
	} else if whoami.UserID != cfg.UserID || (whoami.DeviceID != "" && whoami.DeviceID != cfg.DeviceID) {
		return fmt.Errorf("access token belongs to %s/%s, not %s/%s", whoami.UserID, whoami.DeviceID, cfg.UserID, cfg.DeviceID)
	}
	if _, err = client.FetchKeys(ctx, store, cfg.UserID); err != nil {
		return fmt.Errorf("failed to fetch own keys: %w", err)
	} else if ownDevice, err := store.GetDevice(ctx, cfg.UserID, cfg.DeviceID); err != nil {
		return err
	} else if ownDevice == nil {
		log.Warn().Msg("Own device keys not found on the server, MACs can't be sent until they're uploaded")
	}

	registry := verificationhelper.NewRegistry(client, store, store, cfg.UserID, cfg.DeviceID)
	if cfg.Verification.Timeout > 0 {
		registry.Timeout = cfg.Verification.Timeout
	}
	if cfg.Verification.FutureTolerance > 0 {
		registry.FutureTolerance = cfg.Verification.FutureTolerance
	}
	cli := newCLI(client, store, registry, rl.Stdout())
	registry.OnIncomingVerification = cli.onIncoming
	registry.Init(ctx)
	defer registry.Close()

	syncer := client.Syncer.(*mxverify.DefaultSyncer)
	syncer.OnSync(func(ctx context.Context, resp *mxverify.RespSync, since string) bool {
		if len(resp.DeviceLists.Changed) > 0 {
			if _, err := client.FetchKeys(ctx, store, resp.DeviceLists.Changed...); err != nil {
				zerolog.Ctx(ctx).Err(err).Msg("Failed to update changed device lists")
			}
		}
		return true
	})
	syncer.AddVerificationHandlers(registry)

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return client.SyncWithContext(ctx)
	})
	eg.Go(func() error {
		// EOF on the prompt stops the sync loop too.
		defer stop()
		return cli.prompt(ctx, rl)
	})
	eg.Go(func() error {
		<-ctx.Done()
		// Closing readline interrupts a pending read.
		_ = rl.Close()
		return nil
	})
	return eg.Wait()
}
