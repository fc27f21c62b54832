package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apiclient "github.com/kantinekoning/agent/pkg/api/client"
)

type cliConfig struct {
	AgentBaseURL string `json:"agent_base_url"`
	APIToken     string `json:"api_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "configure":
		err = commandConfigure(args)
	case "status":
		err = commandStatus(args)
	case "enroll":
		err = commandEnroll(args)
	case "enrollments":
		err = commandEnrollments(args)
	case "remove":
		err = commandRemove(args)
	case "shifts":
		err = commandShifts(args)
	case "volunteer":
		err = commandVolunteer(args)
	case "reset":
		err = commandReset(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandConfigure(args []string) error {
	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	agent := fs.String("agent", "", "Agent base URL (default http://localhost:4600)")
	token := fs.String("token", "", "Static API token, if the agent requires one")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*agent) != "" {
		cfg.AgentBaseURL = strings.TrimSpace(*agent)
	}
	if strings.TrimSpace(*token) != "" {
		cfg.APIToken = strings.TrimSpace(*token)
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("configuration saved")
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	agent := fs.String("agent", "", "Agent base URL override")
	fs.Parse(args)

	client, token, err := connect(*agent)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	status, err := client.GetStatus(ctx, token)
	if err != nil {
		return err
	}
	fmt.Printf("Phase: %s\n", status.Phase)
	fmt.Printf("Followed teams: %d of %d\n", status.TotalPairs, status.MaxPairs)
	for _, tenant := range status.Tenants {
		line := fmt.Sprintf("  %s (%s) role=%s teams=%s", tenant.TenantName, tenant.TenantID, tenant.Role, strings.Join(tenant.Teams, ","))
		if tenant.CredentialExpired {
			line += " [credential expired]"
		}
		fmt.Println(line)
	}
	return nil
}

func commandEnroll(args []string) error {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	agent := fs.String("agent", "", "Agent base URL override")
	tenant := fs.String("tenant", "", "Tenant slug, e.g. sv-kantine")
	teams := fs.String("teams", "", "Comma separated team codes")
	email := fs.String("email", "", "Manager email (omit for member enrollment)")
	fs.Parse(args)

	if strings.TrimSpace(*tenant) == "" {
		return errors.New("--tenant is required")
	}
	codes := splitList(*teams)
	if len(codes) == 0 {
		return errors.New("--teams is required")
	}

	client, token, err := connect(*agent)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	enrollments, err := client.Enroll(ctx, token, apiclient.EnrollInput{
		TenantSlug: strings.TrimSpace(*tenant),
		TeamCodes:  codes,
		Email:      strings.TrimSpace(*email),
	})
	if err != nil {
		return err
	}
	fmt.Println("enrollment accepted")
	printEnrollments(enrollments)
	return nil
}

func commandEnrollments(args []string) error {
	fs := flag.NewFlagSet("enrollments", flag.ExitOnError)
	agent := fs.String("agent", "", "Agent base URL override")
	fs.Parse(args)

	client, token, err := connect(*agent)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	enrollments, err := client.ListEnrollments(ctx, token)
	if err != nil {
		return err
	}
	if len(enrollments) == 0 {
		fmt.Println("no enrollments")
		return nil
	}
	printEnrollments(enrollments)
	return nil
}

func commandRemove(args []string) error {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	agent := fs.String("agent", "", "Agent base URL override")
	tenant := fs.String("tenant", "", "Tenant ID")
	team := fs.String("team", "", "Team ID (omit to drop the whole tenant)")
	fs.Parse(args)

	if strings.TrimSpace(*tenant) == "" {
		return errors.New("--tenant is required")
	}

	client, token, err := connect(*agent)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	if strings.TrimSpace(*team) != "" {
		if err := client.RemoveTeam(ctx, token, *tenant, *team); err != nil {
			return err
		}
		fmt.Printf("stopped following team %s at %s\n", *team, *tenant)
		return nil
	}
	if err := client.RemoveTenant(ctx, token, *tenant); err != nil {
		return err
	}
	fmt.Printf("removed all enrollments for %s\n", *tenant)
	return nil
}

func commandShifts(args []string) error {
	fs := flag.NewFlagSet("shifts", flag.ExitOnError)
	agent := fs.String("agent", "", "Agent base URL override")
	refresh := fs.Bool("refresh", false, "Pull fresh data from the backend first")
	fs.Parse(args)

	client, token, err := connect(*agent)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	var shifts []apiclient.Shift
	if *refresh {
		shifts, err = client.RefreshShifts(ctx, token)
	} else {
		shifts, err = client.ListShifts(ctx, token)
	}
	if err != nil {
		return err
	}
	if len(shifts) == 0 {
		fmt.Println("no upcoming shifts")
		return nil
	}
	for _, shift := range shifts {
		fmt.Printf("%s  %s  %s/%s  %s  volunteers=%d\n",
			shift.StartsAt.Local().Format("2006-01-02 15:04"),
			shift.Name, shift.TenantID, shift.TeamID, shift.Location, len(shift.Volunteers))
	}
	return nil
}

func commandVolunteer(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: kkctl volunteer <add|remove> --shift <id> --name <volunteer>")
	}
	action := args[0]
	fs := flag.NewFlagSet("volunteer "+action, flag.ExitOnError)
	agent := fs.String("agent", "", "Agent base URL override")
	shiftID := fs.String("shift", "", "Shift ID")
	name := fs.String("name", "", "Volunteer name")
	fs.Parse(args[1:])

	if strings.TrimSpace(*shiftID) == "" || strings.TrimSpace(*name) == "" {
		return errors.New("--shift and --name are required")
	}

	client, token, err := connect(*agent)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	var shift apiclient.Shift
	switch action {
	case "add":
		shift, err = client.AddVolunteer(ctx, token, *shiftID, *name)
	case "remove":
		shift, err = client.RemoveVolunteer(ctx, token, *shiftID, *name)
	default:
		return fmt.Errorf("unknown volunteer action: %s", action)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s: volunteers=%s\n", shift.Name, strings.Join(shift.Volunteers, ", "))
	return nil
}

func commandReset(args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	agent := fs.String("agent", "", "Agent base URL override")
	confirm := fs.Bool("yes", false, "Confirm wiping all local enrollments")
	fs.Parse(args)

	if !*confirm {
		return errors.New("pass --yes to confirm wiping all local enrollments")
	}

	client, token, err := connect(*agent)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	if err := client.Reset(ctx, token); err != nil {
		return err
	}
	fmt.Println("device reset, agent is back in onboarding")
	return nil
}

func connect(override string) (*apiclient.Client, string, error) {
	cfg, _ := loadConfig()
	base := cfg.AgentBaseURL
	if strings.TrimSpace(override) != "" {
		base = override
	}
	token := cfg.APIToken
	if env := strings.TrimSpace(os.Getenv("KKCTL_TOKEN")); env != "" {
		token = env
	}
	client, err := apiclient.New(base)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func printEnrollments(enrollments []apiclient.Enrollment) {
	for _, e := range enrollments {
		email := e.Email
		if email == "" {
			email = "-"
		}
		fmt.Printf("  %s (%s) role=%s email=%s teams=%s\n",
			e.TenantName, e.TenantID, e.Role, email, strings.Join(e.TeamIDs, ","))
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "kkctl", "config.json"), nil
}

func loadConfig() (cliConfig, error) {
	var cfg cliConfig
	path, err := configPath()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func printVersion() {
	fmt.Printf("kkctl %s\n", buildVersion)
}

func printUsage() {
	fmt.Print(`kkctl - control a local Kantine Koning device agent

Usage:
  kkctl configure [--agent URL] [--token TOKEN]
  kkctl status
  kkctl enroll --tenant SLUG --teams CODE[,CODE...] [--email ADDRESS]
  kkctl enrollments
  kkctl remove --tenant ID [--team ID]
  kkctl shifts [--refresh]
  kkctl volunteer add --shift ID --name NAME
  kkctl volunteer remove --shift ID --name NAME
  kkctl reset --yes
  kkctl version

All commands accept --agent to override the configured agent URL.
The KKCTL_TOKEN environment variable overrides the stored API token.
`)
}
