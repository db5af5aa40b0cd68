package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/edutalk/chatsync/pkg/chatapi"
	"github.com/edutalk/chatsync/pkg/chatsync"
)

var loginCommand = &cli.Command{
	Name:  "login",
	Usage: "Log in and save the token to the config file",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "email", Usage: "Account email (prompted if omitted)"},
	},
	Action: login,
}

var logoutCommand = &cli.Command{
	Name:   "logout",
	Usage:  "Invalidate the saved token",
	Before: requiresAuth,
	Action: logout,
}

func prompt(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func login(ctx *cli.Context) error {
	log := makeLogger(ctx)
	apiURL := ctx.String("api-url")
	if apiURL == "" {
		// Re-login with an existing config keeps its API URL.
		if cfg, err := chatsync.LoadConfig(ctx.String("config")); err == nil {
			apiURL = cfg.APIURL
		}
	}
	if apiURL == "" {
		return fmt.Errorf("pass --api-url on first login")
	}

	email := ctx.String("email")
	var err error
	if email == "" {
		if email, err = prompt("Email"); err != nil {
			return err
		}
	}
	password, err := prompt("Password")
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	anon := chatapi.NewClient(apiURL, "", "", log)
	resp, err := anon.Login(ctx.Context, &chatapi.LoginRequest{
		Email:      email,
		Password:   password,
		DeviceName: "chatctl on " + hostname,
	})
	if err != nil {
		return err
	}

	cfg := &chatsync.Config{
		APIURL: apiURL,
		Token:  resp.Token,
		UserID: resp.UserID,
	}
	if err = cfg.PostProcess(); err != nil {
		return err
	}
	if err = saveConfig(ctx.String("config"), cfg); err != nil {
		return err
	}
	fmt.Printf("Logged in as %s\n", resp.UserID)
	return nil
}

func logout(ctx *cli.Context) error {
	if err := getAPIClient(ctx).Logout(ctx.Context); err != nil {
		// The token may already be dead; wipe the local copy either way.
		log := getLogger(ctx)
		log.Warn().Err(err).Msg("Server-side logout failed")
	}
	cfg := getConfig(ctx)
	cfg.Token = ""
	cfg.UserID = ""
	if err := saveConfig(ctx.String("config"), cfg); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}

func saveConfig(path string, cfg *chatsync.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
