package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const templateURL = "wss://clearnet.example.com/ws"

// Template renders a starter file holding every default. The coordinator URL
// and key file are placeholders.
func Template() (string, error) {
	out, err := toml.Marshal(toFile(Default(), templateURL, "clearctl.key"))
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return string(out), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(cfg Config, url, keyFile string) fileConfig {
	tc := cfg.Client.Transport
	ac := cfg.Client.Auth
	allowances := make([]allowanceFile, 0, len(ac.Allowances))
	for _, a := range ac.Allowances {
		allowances = append(allowances, allowanceFile{Asset: a.Asset, Amount: a.Amount})
	}
	return fileConfig{
		URL:                  url,
		ConnectTimeout:       durationString(tc.ConnectTimeout),
		RequestTimeout:       durationString(tc.RequestTimeout),
		MaxReconnectAttempts: tc.MaxReconnectAttempts,
		SuperviseInterval:    durationString(cfg.Client.SuperviseInterval),
		Backoff: backoffFile{
			InitialDelay: durationString(tc.Backoff.InitialDelay),
			Multiplier:   tc.Backoff.Multiplier,
			MaxDelay:     durationString(tc.Backoff.MaxDelay),
			Jitter:       tc.Backoff.Jitter,
		},
		TLS: tlsFile{
			CAFile:             tc.TLS.CAFile,
			ServerName:         tc.TLS.ServerName,
			InsecureSkipVerify: tc.TLS.InsecureSkipVerify,
		},
		Auth: authFile{
			Application:        ac.Application,
			Scope:              ac.Scope,
			SessionDuration:    durationString(ac.SessionDuration),
			ExpiringSoonWindow: durationString(ac.ExpiringSoonWindow),
			Allowances:         allowances,
		},
		Wallet: walletFile{PrivateKeyFile: keyFile},
		Admin: adminFile{
			Addr:        cfg.Admin.Addr,
			CorsOrigins: cfg.Admin.CorsOrigins,
		},
		Log: logFile{Level: cfg.LogLevel, JSON: cfg.LogJSON},
	}
}

func durationString(d time.Duration) string {
	return d.String()
}
