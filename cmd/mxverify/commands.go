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
	"sort"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"maunium.net/go/mxverify"
	"maunium.net/go/mxverify/crypto/keystore"
	"maunium.net/go/mxverify/crypto/verificationhelper"
	"maunium.net/go/mxverify/id"
)

var ErrUsage = errors.New("invalid usage")

type commandHandler func(ctx context.Context, args []string) error

type command struct {
	Usage       string
	Description string
	Handler     commandHandler
}

// CLI runs the commands typed into the prompt.
type CLI struct {
	client   *mxverify.Client
	store    keystore.Store
	registry *verificationhelper.Registry
	out      io.Writer
	commands map[string]*command

	lock          sync.Mutex
	verifications map[id.VerificationTransactionID]*verificationhelper.Verification
	current       *verificationhelper.Verification
}

func newCLI(client *mxverify.Client, store keystore.Store, registry *verificationhelper.Registry, out io.Writer) *CLI {
	cli := &CLI{
		client:        client,
		store:         store,
		registry:      registry,
		out:           out,
		verifications: make(map[id.VerificationTransactionID]*verificationhelper.Verification),
	}
	cli.commands = map[string]*command{
		"request-device": {"<user ID> [device ID...]", "Request a to-device verification", cli.cmdRequestDevice},
		"request-user":   {"<room ID> <user ID>", "Request an in-room verification", cli.cmdRequestUser},
		"load":           {"<room ID> <request event ID>", "Load an in-room verification from room history", cli.cmdLoad},
		"list":           {"", "List verifications", cli.cmdList},
		"select":         {"<transaction ID>", "Select the verification that other commands act on", cli.cmdSelect},
		"state":          {"", "Show the state of the selected verification", cli.cmdState},
		"accept":         {"", "Accept the selected verification request", cli.cmdAccept},
		"sas":            {"", "Start SAS on the selected verification", cli.cmdStartSAS},
		"accept-sas":     {"", "Accept the SAS start of the other side", cli.cmdAcceptSAS},
		"match":          {"", "Confirm that the short authentication strings match", cli.cmdMatch},
		"nomatch":        {"", "Cancel because the short authentication strings don't match", cli.cmdNoMatch},
		"cancel":         {"", "Cancel the selected verification", cli.cmdCancel},
		"devices":        {"<user ID>", "Fetch and list the devices of a user", cli.cmdDevices},
		"help":           {"", "Show this help", cli.cmdHelp},
	}
	return cli
}

func (cli *CLI) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(cli.out, format+"\n", args...)
}

func (cli *CLI) track(ctx context.Context, verification *verificationhelper.Verification) {
	cli.lock.Lock()
	cli.verifications[verification.TransactionID()] = verification
	cli.current = verification
	cli.lock.Unlock()
	go cli.watch(ctx, verification)
}

func (cli *CLI) onIncoming(ctx context.Context, verification *verificationhelper.Verification) {
	cli.printf("Incoming verification %s from %s (%s), type `accept` to accept it",
		verification.TransactionID(), verification.TheirUserID(), verification.TheirDeviceID())
	cli.track(ctx, verification)
}

// watch prints every state that the verification enters until it finishes.
func (cli *CLI) watch(ctx context.Context, verification *verificationhelper.Verification) {
	for {
		changed := verification.StateChanged()
		state := verification.State()
		cli.printState(verification, state)
		if verificationhelper.IsTerminal(state) {
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}

func (cli *CLI) printState(verification *verificationhelper.Verification, state verificationhelper.State) {
	txnID := verification.TransactionID()
	switch typedState := state.(type) {
	case verificationhelper.StateStart:
		if cmp, ok := typedState.Method.(verificationhelper.SASComparisonByUser); ok {
			emojis := make([]string, len(cmp.Emojis))
			for i, emoji := range cmp.Emojis {
				emojis[i] = emoji.String()
			}
			cli.printf("[%s] Compare the emojis: %s", txnID, strings.Join(emojis, " "))
			cli.printf("[%s] Or the numbers: %d %d %d", txnID, cmp.Decimal[0], cmp.Decimal[1], cmp.Decimal[2])
			cli.printf("[%s] Type `match` or `nomatch`", txnID)
			return
		}
	case verificationhelper.StateCancel:
		if typedState.Content != nil {
			cli.printf("[%s] Cancelled (own=%t): %s %s", txnID, typedState.IsOurOwn, typedState.Content.Code, typedState.Content.Reason)
			return
		}
	}
	cli.printf("[%s] %s", txnID, state)
}

func (cli *CLI) selected() (*verificationhelper.Verification, error) {
	cli.lock.Lock()
	defer cli.lock.Unlock()
	if cli.current == nil {
		return nil, errors.New("no verification selected")
	}
	return cli.current, nil
}

func (cli *CLI) prompt(ctx context.Context, rl *readline.Instance) error {
	log := zerolog.Ctx(ctx)
	cli.printf("Type `help` for a list of commands")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		} else if err != nil {
			// io.EOF or readline closed
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		cmd, ok := cli.commands[strings.ToLower(fields[0])]
		if !ok {
			cli.printf("Unknown command %q, type `help` for a list of commands", fields[0])
			continue
		}
		err = cmd.Handler(ctx, fields[1:])
		if errors.Is(err, ErrUsage) {
			cli.printf("Usage: %s %s", fields[0], cmd.Usage)
		} else if err != nil {
			log.Debug().Err(err).Str("command", fields[0]).Msg("Command failed")
			cli.printf("Error: %v", err)
		}
	}
}

func (cli *CLI) cmdHelp(_ context.Context, _ []string) error {
	names := make([]string, 0, len(cli.commands))
	for name := range cli.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := cli.commands[name]
		cli.printf("%s %s - %s", name, cmd.Usage, cmd.Description)
	}
	return nil
}

func (cli *CLI) cmdRequestDevice(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return ErrUsage
	}
	deviceIDs := make([]id.DeviceID, len(args)-1)
	for i, arg := range args[1:] {
		deviceIDs[i] = id.DeviceID(arg)
	}
	verification, err := cli.registry.StartDeviceVerification(ctx, id.UserID(args[0]), deviceIDs...)
	if err != nil {
		return err
	}
	cli.track(ctx, verification)
	return nil
}

func (cli *CLI) cmdRequestUser(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return ErrUsage
	}
	verification, err := cli.registry.StartUserVerification(ctx, id.RoomID(args[0]), id.UserID(args[1]))
	if err != nil {
		return err
	}
	cli.track(ctx, verification)
	return nil
}

func (cli *CLI) cmdLoad(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return ErrUsage
	}
	verification, err := cli.registry.GetUserVerification(ctx, id.RoomID(args[0]), id.EventID(args[1]))
	if err != nil {
		return err
	} else if verification == nil {
		return errors.New("event is not an active verification request for us")
	}
	cli.track(ctx, verification)
	return nil
}

func (cli *CLI) cmdList(_ context.Context, _ []string) error {
	cli.lock.Lock()
	defer cli.lock.Unlock()
	if len(cli.verifications) == 0 {
		cli.printf("No verifications")
	}
	for txnID, verification := range cli.verifications {
		marker := " "
		if verification == cli.current {
			marker = "*"
		}
		cli.printf("%s %s with %s (%s): %s", marker, txnID, verification.TheirUserID(), verification.TheirDeviceID(), verification.State())
	}
	return nil
}

func (cli *CLI) cmdSelect(_ context.Context, args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	cli.lock.Lock()
	defer cli.lock.Unlock()
	verification, ok := cli.verifications[id.VerificationTransactionID(args[0])]
	if !ok {
		return fmt.Errorf("unknown verification %s", args[0])
	}
	cli.current = verification
	return nil
}

func (cli *CLI) cmdState(_ context.Context, _ []string) error {
	verification, err := cli.selected()
	if err != nil {
		return err
	}
	cli.printState(verification, verification.State())
	return nil
}

// selectedAction wraps a verification method into a command handler.
func (cli *CLI) selectedAction(fn func(v *verificationhelper.Verification, ctx context.Context) error) commandHandler {
	return func(ctx context.Context, _ []string) error {
		verification, err := cli.selected()
		if err != nil {
			return err
		}
		return fn(verification, ctx)
	}
}

func (cli *CLI) cmdAccept(ctx context.Context, args []string) error {
	return cli.selectedAction((*verificationhelper.Verification).Accept)(ctx, args)
}

func (cli *CLI) cmdStartSAS(ctx context.Context, args []string) error {
	return cli.selectedAction((*verificationhelper.Verification).StartSAS)(ctx, args)
}

func (cli *CLI) cmdAcceptSAS(ctx context.Context, args []string) error {
	return cli.selectedAction((*verificationhelper.Verification).AcceptSAS)(ctx, args)
}

func (cli *CLI) cmdMatch(ctx context.Context, args []string) error {
	return cli.selectedAction((*verificationhelper.Verification).Match)(ctx, args)
}

func (cli *CLI) cmdNoMatch(ctx context.Context, args []string) error {
	return cli.selectedAction((*verificationhelper.Verification).NoMatch)(ctx, args)
}

func (cli *CLI) cmdCancel(ctx context.Context, args []string) error {
	return cli.selectedAction((*verificationhelper.Verification).Cancel)(ctx, args)
}

func (cli *CLI) cmdDevices(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	userID := id.UserID(args[0])
	if _, err := cli.client.FetchKeys(ctx, cli.store, userID); err != nil {
		return err
	}
	devices, err := cli.store.GetDevices(ctx, userID)
	if err != nil {
		return err
	}
	masterKey, err := cli.store.GetMasterKey(ctx, userID)
	if err != nil {
		return err
	} else if masterKey != nil {
		trusted, err := cli.store.IsTrusted(ctx, userID, masterKey.KeyID())
		if err != nil {
			return err
		}
		cli.printf("Master key %s (trusted: %t)", masterKey.Key, trusted)
	}
	deviceIDs := make([]id.DeviceID, 0, len(devices))
	for deviceID := range devices {
		deviceIDs = append(deviceIDs, deviceID)
	}
	sort.Slice(deviceIDs, func(i, j int) bool {
		return deviceIDs[i] < deviceIDs[j]
	})
	for _, deviceID := range deviceIDs {
		device := devices[deviceID]
		cli.printf("%s %q: %s (%s)", deviceID, device.Name, device.SigningKey, device.Trust)
	}
	return nil
}
