package repo

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	rootPathEnvVar = "TREASURY_PATH"

	envPrefix = "TREASURY"

	cfgFileName = "treasury.toml"

	defaultRepoRoot = "~/.treasury"

	LogsDirName = "logs"

	// WatcherDirName holds the leveldb with the watcher block cursor.
	WatcherDirName = "watcher"
)

type Repo struct {
	Config *Config
}

// Exist reports whether anything is present at path.
func Exist(path string) bool {
	_, err := os.Lstat(path)
	return err == nil || !os.IsNotExist(err)
}

// Load reads treasury.toml under repoRoot, writing the defaults first when
// the file is missing. TREASURY_ prefixed env vars override file values.
func Load(repoRoot string) (*Repo, error) {
	rootPath, err := LoadRepoRootFromEnv(repoRoot)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig(rootPath)
	cfgPath := filepath.Join(rootPath, cfgFileName)

	if Exist(cfgPath) {
		if err := CheckWritable(rootPath); err != nil {
			return nil, err
		}
		if err := readConfigFromFile(cfgPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "read %s", cfgPath)
		}
	} else {
		if err := os.MkdirAll(rootPath, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to build default config")
		}
		if err := writeConfigWithEnv(cfgPath, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to build default config")
		}
	}
	cfg.RepoRoot = rootPath

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &Repo{Config: cfg}, nil
}

// DataPath resolves the sqlite directory against the repo root.
func (r *Repo) DataPath() string {
	if filepath.IsAbs(r.Config.Database.DataDir) {
		return r.Config.Database.DataDir
	}
	return filepath.Join(r.Config.RepoRoot, r.Config.Database.DataDir)
}

func (r *Repo) Flush() error {
	if err := writeConfigWithEnv(filepath.Join(r.Config.RepoRoot, cfgFileName), r.Config); err != nil {
		return errors.Wrap(err, "failed to write config")
	}
	return nil
}

// viper only applies env overrides to keys it has read, so the file is
// written, read back with the environment applied, then written again.
func writeConfigWithEnv(cfgPath string, cfg *Config) error {
	if err := writeConfig(cfgPath, cfg); err != nil {
		return err
	}
	if err := readConfigFromFile(cfgPath, cfg); err != nil {
		return errors.Wrap(err, "failed to apply environment overrides")
	}
	return writeConfig(cfgPath, cfg)
}

func writeConfig(cfgPath string, cfg *Config) error {
	raw, err := MarshalConfig(cfg)
	if err != nil {
		return err
	}
	// the file carries the signer key and api secrets
	return os.WriteFile(cfgPath, []byte(raw), 0600)
}

func MarshalConfig(cfg any) (string, error) {
	var buf bytes.Buffer
	e := toml.NewEncoder(&buf)
	e.SetIndentTables(true)
	e.SetArraysMultiline(true)
	if err := e.Encode(cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// LoadRepoRootFromEnv picks the explicit root, then TREASURY_PATH, then ~/.treasury.
func LoadRepoRootFromEnv(repoRoot string) (string, error) {
	if repoRoot != "" {
		return repoRoot, nil
	}
	if root := os.Getenv(rootPathEnvVar); root != "" {
		return root, nil
	}
	return homedir.Expand(defaultRepoRoot)
}

func readConfigFromFile(cfgPath string, cfg *Config) error {
	vp := viper.New()
	vp.SetConfigFile(cfgPath)
	vp.SetConfigType("toml")
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	if err := vp.ReadInConfig(); err != nil {
		return err
	}
	return vp.Unmarshal(cfg)
}

// CheckWritable creates dir when missing, otherwise writes and removes a temp file in it.
func CheckWritable(dir string) error {
	_, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		return os.Mkdir(dir, 0775)
	case os.IsPermission(err):
		return errors.Errorf("cannot write to %s, incorrect permissions", dir)
	case err != nil:
		return err
	}

	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		if os.IsPermission(err) {
			return errors.Errorf("%s is not writeable by the current user", dir)
		}
		return errors.Wrap(err, "check repo root writability")
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
