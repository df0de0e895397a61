package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"freeproxy_nexus/internal/shared/types"
)

// BlacklistEntry is one curated entry of blacklist.yaml.
type BlacklistEntry struct {
	Address string `yaml:"address"` // "ip" or "ip:port"
	Reason  string `yaml:"reason,omitempty"`
}

type blacklistFile struct {
	Entries []BlacklistEntry `yaml:"blacklist"`
}

// LoadIni 加载 proxypool.ini 行为配置文件，未出现的键保留 cfg 中的默认值。
// 同目录下的 .env 会先被读入环境变量，随后环境变量覆盖 ini 中的值。
func LoadIni(cfg *types.Config, fileName string) error {
	envPath := filepath.Join(filepath.Dir(fileName), ".env")
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load %s: %w", envPath, err)
	}

	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	applyEnvOverrides(cfg)
	return nil
}

func applyEnvOverrides(cfg *types.Config) {
	overrideFromEnvInt(&cfg.Web.Port, "PROXYPOOL_WEB_PORT")
	overrideFromEnvString(&cfg.Web.User, "PROXYPOOL_WEB_USER")
	overrideFromEnvString(&cfg.Web.Password, "PROXYPOOL_WEB_PASSWORD")
	overrideFromEnvString(&cfg.Log.Level, "PROXYPOOL_LOG_LEVEL")
	overrideFromEnvString(&cfg.Geo.Token, "IPINFO_TOKEN")
}

// LoadBlacklist 读取人工维护的黑名单文件。文件不存在时返回空列表。
func LoadBlacklist(fileName string) ([]BlacklistEntry, error) {
	if fileName == "" {
		return nil, nil
	}
	data, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return []BlacklistEntry{}, nil
		}
		return nil, fmt.Errorf("failed to read blacklist file: %w", err)
	}

	var f blacklistFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", fileName, err)
	}

	entries := make([]BlacklistEntry, 0, len(f.Entries))
	for _, e := range f.Entries {
		e.Address = strings.TrimSpace(e.Address)
		if e.Address == "" {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CuratedBlacklist merges the inline [pool] blacklist with the yaml file.
func CuratedBlacklist(cfg *types.Config, configDir string) ([]string, error) {
	out := make([]string, 0, len(cfg.Pool.Blacklist))
	for _, addr := range cfg.Pool.Blacklist {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}

	path := cfg.Pool.BlacklistPath
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(configDir, path)
	}
	entries, err := LoadBlacklist(path)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out = append(out, e.Address)
	}
	return out, nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
