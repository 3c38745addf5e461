package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xrypton/trust-node/trust/engine/local"
)

type Config struct {
	AccountID         string
	APIBaseURL        string
	KeyServerURL      string
	DBPath            string
	MetricsListenAddr string
	LogFilename       string

	// Armored local key material. The private half never leaves this machine.
	PrivateKey  string
	PublicKey   string
	Fingerprint string
}

func LoadConfig(path string) (*Config, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	_, err = os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = os.MkdirAll(dir, os.ModePerm)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check directory: %w", err)
		}
	}

	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		kp, err := local.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate keys: %w", err)
		}

		cfg := &Config{
			AccountID:         "",
			APIBaseURL:        "https://api.xrypton.org",
			KeyServerURL:      "https://keys.xrypton.org",
			DBPath:            "./trust-node-db",
			MetricsListenAddr: "",
			LogFilename:       "",
			PrivateKey:        kp.Private,
			PublicKey:         kp.Public,
			Fingerprint:       kp.Fingerprint,
		}

		if err = SaveConfig(cfg, path); err != nil {
			return nil, err
		}
		return cfg, nil
	} else if err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		var cfg Config
		if err = json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}

	return nil, err
}

func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}

	if err = os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	return nil
}
