/*
 * Tollgate
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Command tollgate runs the payment authentication gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/tollgate"
	"github.com/gravitational/tollgate/lib/config"
	"github.com/gravitational/tollgate/lib/service"
	"github.com/gravitational/tollgate/lib/tokens"
	logutils "github.com/gravitational/tollgate/lib/utils/log"
	"github.com/gravitational/tollgate/lib/vault"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("tollgate", "Authentication-translation gateway for the payment API.")
	configPath := app.Flag("config", "Path to the configuration file.").Short('c').String()
	debug := app.Flag("debug", "Enable debug logging and the pprof endpoints.").Short('d').Bool()

	start := app.Command("start", "Start the gateway.")
	rolesFlag := start.Flag("roles", "Comma-separated surfaces to serve, overriding the config file (eapi,sapi).").String()

	version := app.Command("version", "Print the gateway version.")

	token := app.Command("token", "Bearer token helpers.")
	tokenSign := token.Command("sign", "Mint an operator bearer token using the configured signing keyring.")
	signClientID := tokenSign.Flag("client-id", "Subject of the minted token.").Default("operator").String()
	signPermissions := tokenSign.Flag("permissions", "Comma-separated permissions of the minted token.").
		Default(tollgate.PermissionManageRotations).String()

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(*configPath, *rolesFlag, *debug))
	case version.FullCommand():
		fmt.Printf("Tollgate v%v\n", tollgate.Version)
		return nil
	case tokenSign.FullCommand():
		return trace.Wrap(onTokenSign(*configPath, *signClientID, *signPermissions))
	}
	return trace.BadParameter("unknown command %q", command)
}

func onStart(configPath, roles string, debug bool) error {
	fc, err := config.ReadConfigFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	if roles != "" {
		fc.Roles = nil
		for _, role := range strings.Split(roles, ",") {
			fc.Roles = append(fc.Roles, config.Role(strings.TrimSpace(role)))
		}
		if err := fc.CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	if debug {
		fc.Log.Severity = "DEBUG"
		fc.Diagnostics.Debug = true
	}
	if _, err := logutils.Initialize(logutils.Config{
		Severity: fc.Log.Severity,
		Format:   fc.Log.Format,
	}); err != nil {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	process, err := service.NewProcess(ctx, service.ProcessConfig{FileConfig: fc})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(process.Run(ctx))
}

// onTokenSign mints a token straight off the configured keyring. Intended
// for operators driving the rotation admin API; the token never touches the
// network here.
func onTokenSign(configPath, clientID, permissions string) error {
	fc, err := config.ReadConfigFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	keyring, err := loadKeyring(fc)
	if err != nil {
		return trace.Wrap(err)
	}
	minter, err := tokens.NewMinter(tokens.MinterConfig{
		Keyring:  keyring,
		Issuer:   fc.Token.Issuer,
		Audience: fc.Token.Audience,
		Lifetime: fc.Token.Lifetime(),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	var perms []string
	for _, perm := range strings.Split(permissions, ",") {
		if perm = strings.TrimSpace(perm); perm != "" {
			perms = append(perms, perm)
		}
	}
	signed, err := minter.Sign(tokens.SignParams{
		ClientID:    clientID,
		Permissions: perms,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Println(signed)
	return nil
}

func loadKeyring(fc *config.FileConfig) (*tokens.Keyring, error) {
	kc := fc.Token.Keyring
	switch kc.Source {
	case config.KeyringSourceFile:
		if kc.Path == "" {
			return nil, trace.BadParameter("token.keyring.path is required when the keyring source is a file")
		}
		keyring, err := config.LoadKeyringFile(kc.Path)
		return keyring, trace.Wrap(err)
	case config.KeyringSourceVault:
		if fc.Vault.Address == "" {
			return nil, trace.BadParameter("token.keyring.source vault requires a vault address")
		}
		client, err := vault.NewClient(vault.ClientConfig{
			Address:        fc.Vault.Address,
			CACertPath:     fc.Vault.TLS.CACertPath,
			ClientCertPath: fc.Vault.TLS.ClientCertPath,
			ClientKeyPath:  fc.Vault.TLS.ClientKeyPath,
			Namespace:      fc.Vault.Namespace,
			Mount:          fc.Vault.Mount,
			Prefix:         fc.Vault.Prefix,
			Timeout:        fc.Vault.Timeout(),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		keyring, err := client.GetKeyring(context.Background(), kc.VaultPath)
		return keyring, trace.Wrap(err)
	default:
		return nil, trace.BadParameter("unknown keyring source %q", kc.Source)
	}
}
